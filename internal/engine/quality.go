package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Quality names a compression preset. Aggressiveness grows from
// Minimum (near-lossless) to Maximum (smallest output).
type Quality string

const (
	QualityMinimum Quality = "minimum"
	QualityHigh    Quality = "high"
	QualityMedium  Quality = "medium"
	QualityMaximum Quality = "maximum"
)

// DefaultQuality is used when a request does not name one.
const DefaultQuality = QualityMedium

// Preset maps a quality name to an engine profile identifier.
type Preset struct {
	Quality Quality `json:"quality" yaml:"quality"`
	Profile string  `json:"profile" yaml:"profile"`
	Label   string  `json:"label" yaml:"label"`
	// Order ranks presets from least to most aggressive for listings.
	Order int `json:"-" yaml:"-"`
}

// Presets is the preset table consulted by the adapter.
type Presets map[Quality]Preset

// DefaultPresets returns the Ghostscript -dPDFSETTINGS table.
func DefaultPresets() Presets {
	return Presets{
		QualityMinimum: {Quality: QualityMinimum, Profile: "/prepress", Label: "Minimum (300 dpi, color preserving)", Order: 0},
		QualityHigh:    {Quality: QualityHigh, Profile: "/printer", Label: "High (300 dpi)", Order: 1},
		QualityMedium:  {Quality: QualityMedium, Profile: "/ebook", Label: "Medium (150 dpi)", Order: 2},
		QualityMaximum: {Quality: QualityMaximum, Profile: "/screen", Label: "Maximum (72 dpi)", Order: 3},
	}
}

// WithProfiles returns a copy of p where the given quality names point at new
// profile identifiers. Unknown names are rejected.
func (p Presets) WithProfiles(overrides map[string]string) (Presets, error) {
	out := make(Presets, len(p))
	for k, v := range p {
		out[k] = v
	}
	for name, profile := range overrides {
		q := Quality(strings.ToLower(strings.TrimSpace(name)))
		preset, ok := out[q]
		if !ok {
			return nil, fmt.Errorf("unknown quality %q in profile overrides", name)
		}
		profile = strings.TrimSpace(profile)
		if profile == "" {
			return nil, fmt.Errorf("empty profile for quality %q", name)
		}
		preset.Profile = profile
		out[q] = preset
	}
	return out, nil
}

// Lookup returns the preset for q.
func (p Presets) Lookup(q Quality) (Preset, error) {
	preset, ok := p[q]
	if !ok {
		return Preset{}, fmt.Errorf("unknown quality %q", q)
	}
	return preset, nil
}

// Parse resolves a user-supplied value, either a quality name ("medium") or an
// engine profile identifier ("/ebook"). Empty input yields DefaultQuality.
func (p Presets) Parse(s string) (Quality, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return DefaultQuality, nil
	}
	if _, ok := p[Quality(v)]; ok {
		return Quality(v), nil
	}
	for q, preset := range p {
		if strings.EqualFold(preset.Profile, v) || strings.EqualFold(preset.Profile, "/"+v) {
			return q, nil
		}
	}
	return "", fmt.Errorf("unknown quality %q (want one of %s)", s, strings.Join(p.Names(), ", "))
}

// Sorted lists presets from least to most aggressive.
func (p Presets) Sorted() []Preset {
	out := make([]Preset, 0, len(p))
	for _, v := range p {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Names lists quality names from least to most aggressive.
func (p Presets) Names() []string {
	sorted := p.Sorted()
	names := make([]string, len(sorted))
	for i, v := range sorted {
		names[i] = string(v.Quality)
	}
	return names
}
