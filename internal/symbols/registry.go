// Package symbols holds the symbol registry: per-symbol strike intervals,
// vendor instrument codes and the effective-dated expiry weekday rules.
// Defaults are embedded; an override file can be supplied via configuration.
package symbols

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrUnknownSymbol is returned for any symbol the registry does not know.
// Callers must treat this as a hard error, never fall back to a default.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Weekday is a trading weekday, Monday = 0 through Friday = 4.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
)

var weekdayNames = map[string]Weekday{
	"monday":    Monday,
	"tuesday":   Tuesday,
	"wednesday": Wednesday,
	"thursday":  Thursday,
	"friday":    Friday,
}

// Time returns the time package equivalent (time.Monday..time.Friday).
func (w Weekday) Time() time.Weekday {
	return time.Weekday(int(w) + 1)
}

func (w Weekday) String() string {
	return w.Time().String()
}

// UnmarshalYAML accepts lowercase weekday names.
func (w *Weekday) UnmarshalYAML(node *yaml.Node) error {
	d, ok := weekdayNames[strings.ToLower(node.Value)]
	if !ok {
		return fmt.Errorf("invalid expiry weekday %q", node.Value)
	}
	*w = d
	return nil
}

// EraRule maps dates at or after EffectiveFrom to an expiry weekday.
// A zero EffectiveFrom covers all earlier history.
type EraRule struct {
	EffectiveFrom time.Time
	Weekday       Weekday
}

// VendorCodes are the instrument identifiers the authoritative source uses.
// Empty StockCode means the vendor does not serve this symbol.
type VendorCodes struct {
	StockCode      string `yaml:"stock_code"`
	OptionExchange string `yaml:"option_exchange"`
	IndexExchange  string `yaml:"index_exchange"`
}

// Symbol is one configured underlying index.
type Symbol struct {
	Name           string
	StrikeInterval decimal.Decimal
	Positional     bool
	Vendor         VendorCodes
	eras           []EraRule
}

// ExpiryWeekday returns the expiry weekday in force on the given date.
// Era boundaries are inclusive: on the effective-from date itself the new
// rule already applies.
func (s *Symbol) ExpiryWeekday(on time.Time) Weekday {
	w := s.eras[0].Weekday
	for _, era := range s.eras[1:] {
		if on.Before(era.EffectiveFrom) {
			break
		}
		w = era.Weekday
	}
	return w
}

// Registry is the loaded, immutable symbol table.
type Registry struct {
	symbols map[string]*Symbol
}

type symbolFile struct {
	Symbols map[string]symbolSpec `yaml:"symbols"`
}

type symbolSpec struct {
	StrikeInterval int64       `yaml:"strike_interval"`
	Positional     bool        `yaml:"positional"`
	Vendor         VendorCodes `yaml:"vendor"`
	ExpiryEras     []eraSpec   `yaml:"expiry_eras"`
}

type eraSpec struct {
	EffectiveFrom string  `yaml:"effective_from"`
	Weekday       Weekday `yaml:"weekday"`
}

//go:embed defaults.yaml
var defaultsYAML []byte

// Load builds a registry from the YAML file at path, or from the embedded
// defaults when path is empty.
func Load(path string) (*Registry, error) {
	data := defaultsYAML
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading symbol registry: %w", err)
		}
	}
	return parse(data)
}

// LoadDefault builds a registry from the embedded defaults.
func LoadDefault() (*Registry, error) {
	return parse(defaultsYAML)
}

func parse(data []byte) (*Registry, error) {
	var f symbolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing symbol registry: %w", err)
	}
	if len(f.Symbols) == 0 {
		return nil, fmt.Errorf("symbol registry defines no symbols")
	}

	r := &Registry{symbols: make(map[string]*Symbol, len(f.Symbols))}
	for name, spec := range f.Symbols {
		sym, err := buildSymbol(strings.ToLower(name), spec)
		if err != nil {
			return nil, fmt.Errorf("symbol %q: %w", name, err)
		}
		r.symbols[sym.Name] = sym
	}
	return r, nil
}

func buildSymbol(name string, spec symbolSpec) (*Symbol, error) {
	if spec.StrikeInterval <= 0 {
		return nil, fmt.Errorf("strike_interval must be positive, got %d", spec.StrikeInterval)
	}
	if len(spec.ExpiryEras) == 0 {
		return nil, fmt.Errorf("at least one expiry era is required")
	}

	eras := make([]EraRule, 0, len(spec.ExpiryEras))
	for i, e := range spec.ExpiryEras {
		rule := EraRule{Weekday: e.Weekday}
		if e.EffectiveFrom != "" {
			from, err := time.ParseInLocation("2006-01-02", e.EffectiveFrom, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("expiry era %d: invalid effective_from %q", i, e.EffectiveFrom)
			}
			rule.EffectiveFrom = from
		}
		eras = append(eras, rule)
	}
	sort.SliceStable(eras, func(i, j int) bool {
		return eras[i].EffectiveFrom.Before(eras[j].EffectiveFrom)
	})
	if !eras[0].EffectiveFrom.IsZero() {
		return nil, fmt.Errorf("first expiry era must have no effective_from")
	}

	return &Symbol{
		Name:           name,
		StrikeInterval: decimal.NewFromInt(spec.StrikeInterval),
		Positional:     spec.Positional,
		Vendor:         spec.Vendor,
		eras:           eras,
	}, nil
}

// Lookup returns the symbol entry, or ErrUnknownSymbol.
func (r *Registry) Lookup(name string) (*Symbol, error) {
	sym, ok := r.symbols[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSymbol, name)
	}
	return sym, nil
}

// Names returns all configured symbol names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.symbols))
	for name := range r.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
