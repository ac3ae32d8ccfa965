package neuron

import (
	"math"
)

// Canonical neuron names. Raw input keys for the context layer match the
// context neuron names, so pipelines feed readings under these keys.
const (
	CtxPresence   = "presence"
	CtxTimeOfDay  = "time_of_day"
	CtxLightLevel = "light_level"
	CtxWeather    = "weather"

	StateEnergy    = "energy_level"
	StateStress    = "stress_index"
	StateRoutine   = "routine_stability"
	StateSleepDebt = "sleep_debt"
	StateAttention = "attention_load"
	StateComfort   = "comfort_index"

	MoodRelax    = "relax"
	MoodFocus    = "focus"
	MoodActive   = "active"
	MoodSleep    = "sleep"
	MoodAway     = "away"
	MoodAlert    = "alert"
	MoodSocial   = "social"
	MoodRecovery = "recovery"
)

// DefaultMood is elected when no mood neuron produces a positive value.
const DefaultMood = MoodRelax

// Defaults returns the builtin catalogue: four context neurons, six state
// neurons and eight mood neurons, all deterministic in their inputs.
func Defaults() []Neuron {
	return []Neuron{
		// Context layer: mostly direct reads of normalized inputs.
		&Linear{NeuronName: CtxPresence, Layer: KindContext, Weights: map[string]float64{CtxPresence: 1}},
		&Func{NeuronName: CtxTimeOfDay, Layer: KindContext, Fn: timeOfDay},
		&Linear{NeuronName: CtxLightLevel, Layer: KindContext, Weights: map[string]float64{CtxLightLevel: 1}},
		&Linear{NeuronName: CtxWeather, Layer: KindContext, Weights: map[string]float64{CtxWeather: 1}},

		// State layer: weighted combinations of frozen context values.
		&Linear{NeuronName: StateEnergy, Layer: KindState, Weights: map[string]float64{CtxTimeOfDay: 0.7, CtxWeather: 0.3}},
		&Linear{NeuronName: StateStress, Layer: KindState, Bias: 1, Weights: map[string]float64{CtxWeather: -0.6, CtxPresence: -0.4}},
		&Linear{NeuronName: StateRoutine, Layer: KindState, Bias: 0.3, Weights: map[string]float64{CtxPresence: 0.4}},
		&Linear{NeuronName: StateSleepDebt, Layer: KindState, Bias: 1, Weights: map[string]float64{CtxTimeOfDay: -1}},
		&Linear{NeuronName: StateAttention, Layer: KindState, Weights: map[string]float64{CtxLightLevel: 0.5, CtxTimeOfDay: 0.5}},
		&Linear{NeuronName: StateComfort, Layer: KindState, Weights: map[string]float64{CtxLightLevel: 0.4, CtxWeather: 0.3, CtxPresence: 0.3}},

		// Mood layer: reads state values, context values as fallback.
		&Linear{NeuronName: MoodRelax, Layer: KindMood, Bias: 0.8, Weights: map[string]float64{StateStress: -0.5, StateAttention: -0.3, CtxPresence: 0.2}},
		&Linear{NeuronName: MoodFocus, Layer: KindMood, Bias: 0.2, Weights: map[string]float64{StateEnergy: 0.5, StateAttention: 0.3, StateStress: -0.2}},
		&Linear{NeuronName: MoodActive, Layer: KindMood, Weights: map[string]float64{StateEnergy: 0.6, CtxTimeOfDay: 0.4}},
		&Linear{NeuronName: MoodSleep, Layer: KindMood, Weights: map[string]float64{StateSleepDebt: 0.6, CtxLightLevel: -0.4}, Bias: 0.4},
		&Linear{NeuronName: MoodAway, Layer: KindMood, Bias: 1, Weights: map[string]float64{CtxPresence: -1}},
		&Linear{NeuronName: MoodAlert, Layer: KindMood, Weights: map[string]float64{StateStress: 0.7, StateAttention: 0.3}},
		&Linear{NeuronName: MoodSocial, Layer: KindMood, Weights: map[string]float64{CtxPresence: 0.6, StateEnergy: 0.4}},
		&Linear{NeuronName: MoodRecovery, Layer: KindMood, Bias: 0.5, Weights: map[string]float64{StateSleepDebt: 0.5, StateEnergy: -0.5}},
	}
}

// timeOfDay maps the local clock to [0,1] with a midday peak: 0 at
// midnight, 1 at noon, following half a sine period across the day.
func timeOfDay(ctx *EvalContext) (float64, error) {
	h := float64(ctx.Now.Hour()) + float64(ctx.Now.Minute())/60
	return clamp01(math.Sin(math.Pi * h / 24)), nil
}
