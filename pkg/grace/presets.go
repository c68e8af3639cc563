package grace

import "github.com/fernandoexploraria/proximityd/pkg/settings"

// Preset names offered as one-click configuration bundles
const (
	PresetConservative = "conservative"
	PresetBalanced     = "balanced"
	PresetAggressive   = "aggressive"
	PresetCustom       = "custom"
)

// preset bundles the five tunable grace fields
type preset struct {
	initializationMS    int
	movementMS          int
	appResumeMS         int
	settlingMS          int
	movementThresholdM  float64
}

var presets = map[string]preset{
	PresetConservative: {
		initializationMS:   20000,
		movementMS:         12000,
		appResumeMS:        8000,
		settlingMS:         8000,
		movementThresholdM: 200,
	},
	PresetBalanced: {
		initializationMS:   15000,
		movementMS:         8000,
		appResumeMS:        5000,
		settlingMS:         5000,
		movementThresholdM: 150,
	},
	PresetAggressive: {
		initializationMS:   10000,
		movementMS:         5000,
		appResumeMS:        3000,
		settlingMS:         3000,
		movementThresholdM: 100,
	},
}

// ApplyPreset overwrites the five preset-controlled fields on the given
// settings. Unknown names apply the balanced preset.
func ApplyPreset(s settings.Settings, name string) settings.Settings {
	p, ok := presets[name]
	if !ok {
		p = presets[PresetBalanced]
	}
	s.GracePeriodInitializationMS = p.initializationMS
	s.GracePeriodMovementMS = p.movementMS
	s.GracePeriodAppResumeMS = p.appResumeMS
	s.LocationSettlingMS = p.settlingMS
	s.SignificantMovementThresholdM = p.movementThresholdM
	return s
}

// PresetNameFor returns the preset matching all five tunable fields exactly,
// or "custom" when none matches
func PresetNameFor(s settings.Settings) string {
	for _, name := range []string{PresetConservative, PresetBalanced, PresetAggressive} {
		p := presets[name]
		if s.GracePeriodInitializationMS == p.initializationMS &&
			s.GracePeriodMovementMS == p.movementMS &&
			s.GracePeriodAppResumeMS == p.appResumeMS &&
			s.LocationSettlingMS == p.settlingMS &&
			s.SignificantMovementThresholdM == p.movementThresholdM {
			return name
		}
	}
	return PresetCustom
}
