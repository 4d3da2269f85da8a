// Package style turns route metadata into stroke colour, weight and
// opacity. The built-in rules reproduce the classic map look: heavier rail
// lines, thin coloured express and owl services, and everything scaled
// down as the map zooms out.
package style

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"routemap/internal/gtfs"
)

// TypeRule overrides the weight of one route type.
type TypeRule struct {
	Type   string  `yaml:"type" validate:"required"`
	Weight float64 `yaml:"weight" validate:"gt=0"`
}

// NameRule matches the long name case-insensitively. Color only applies
// when the route has no colour of its own.
type NameRule struct {
	Match  string  `yaml:"match" validate:"required"`
	Hint   string  `yaml:"hint"`
	Weight float64 `yaml:"weight" validate:"gte=0"`
	Color  string  `yaml:"color" validate:"omitempty,hexcolor"`
}

// Rules is the style configuration, loadable from YAML.
type Rules struct {
	DefaultColor      string     `yaml:"defaultColor" validate:"required,hexcolor"`
	DefaultWeight     float64    `yaml:"defaultWeight" validate:"gt=0"`
	Opacity           float64    `yaml:"opacity" validate:"gt=0,lte=1"`
	Types             []TypeRule `yaml:"types" validate:"dive"`
	Names             []NameRule `yaml:"names" validate:"dive"`
	FineDeconfliction []string   `yaml:"fineDeconfliction"`

	types map[gtfs.RouteType]float64
	names []compiledName
	fine  []gtfs.RouteType
}

type compiledName struct {
	NameRule
	re *regexp.Regexp
}

// Default returns the built-in rules.
func Default() *Rules {
	r := &Rules{
		DefaultColor:  "#82BEE8",
		DefaultWeight: 2,
		Opacity:       1,
		Types: []TypeRule{
			{Type: "light_rail", Weight: 4},
			{Type: "metro", Weight: 6},
		},
		Names: []NameRule{
			{Match: "limited", Hint: "limited", Weight: 4, Color: "#008000"},
			{Match: "express", Hint: "express", Weight: 1, Color: "#FF0000"},
			{Match: "owl", Hint: "owl", Weight: 1, Color: "#0000FF"},
		},
		FineDeconfliction: []string{"metro"},
	}
	if err := r.compile(); err != nil {
		panic(err)
	}
	return r
}

// Load reads rules from a YAML file. Fields left out keep their defaults.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates YAML rules.
func Parse(data []byte) (*Rules, error) {
	r := Default()
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parse style rules: %w", err)
	}
	v := validator.New()
	if err := v.Struct(r); err != nil {
		return nil, fmt.Errorf("validate style rules: %w", err)
	}
	if err := r.compile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rules) compile() error {
	r.types = make(map[gtfs.RouteType]float64, len(r.Types))
	for _, tr := range r.Types {
		t, ok := gtfs.ParseRouteType(tr.Type)
		if !ok {
			return fmt.Errorf("unknown route type %q", tr.Type)
		}
		r.types[t] = tr.Weight
	}
	r.names = r.names[:0]
	for _, nr := range r.Names {
		re, err := regexp.Compile("(?i)" + nr.Match)
		if err != nil {
			return fmt.Errorf("name rule %q: %w", nr.Match, err)
		}
		if nr.Hint == "" {
			nr.Hint = strings.ToLower(nr.Match)
		}
		r.names = append(r.names, compiledName{NameRule: nr, re: re})
	}
	r.fine = r.fine[:0]
	for _, s := range r.FineDeconfliction {
		t, ok := gtfs.ParseRouteType(s)
		if !ok {
			return fmt.Errorf("unknown fine deconfliction type %q", s)
		}
		r.fine = append(r.fine, t)
	}
	if len(r.fine) == 0 {
		return errors.New("fineDeconfliction must name at least one route type")
	}
	return nil
}

// FineTypes lists the route types that get per-point deconfliction.
func (r *Rules) FineTypes() []gtfs.RouteType {
	return append([]gtfs.RouteType(nil), r.fine...)
}

// Apply sets colour, weight, opacity and hint on rl. Type rules win over
// name rules; the first matching name rule wins among those.
func (r *Rules) Apply(rl gtfs.RouteLine, correction float64) gtfs.RouteLine {
	color := normalizeColor(rl.Color)
	weight := r.DefaultWeight
	hint := ""

	if w, ok := r.types[rl.Type]; ok {
		weight = w
	} else {
		for _, nr := range r.names {
			if !nr.re.MatchString(rl.LongName) {
				continue
			}
			if nr.Weight > 0 {
				weight = nr.Weight
			}
			if color == "" {
				color = nr.Color
			}
			hint = nr.Hint
			break
		}
	}
	if color == "" {
		color = r.DefaultColor
	}

	rl.Color = color
	rl.Weight = weight * correction
	rl.Opacity = r.Opacity
	rl.Hint = hint
	return rl
}

func normalizeColor(c string) string {
	c = strings.TrimSpace(c)
	if c == "" {
		return ""
	}
	if !strings.HasPrefix(c, "#") {
		c = "#" + c
	}
	return strings.ToUpper(c)
}
