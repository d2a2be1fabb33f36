// Package parser decodes inverter register blocks into named sensor values
// using JSON register layouts.
package parser

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed layouts/*.json
var embeddedLayouts embed.FS

const (
	// DefaultLayout is used when no layout is configured.
	DefaultLayout = "goodwe_et"

	// MaxRangeGap is the largest hole between two fields still read with one request.
	MaxRangeGap = 10

	// MaxRangeCount is the Modbus limit of registers per read.
	MaxRangeCount = 125
)

// Field type constants.
const (
	TypeU16  = "u16"
	TypeS16  = "s16"
	TypeU32  = "u32"
	TypeS32  = "s32"
	TypeText = "text"
)

// FieldDefinition describes one sensor value in the register map.
type FieldDefinition struct {
	Name      string  `json:"name"`
	Register  int     `json:"register"`
	Type      string  `json:"type"`
	Length    int     `json:"length,omitempty"` // registers, text only
	Scale     float64 `json:"scale,omitempty"`  // raw value is divided by scale
	Precision *int    `json:"precision,omitempty"`
	Unit      string  `json:"unit,omitempty"`
}

// Size returns the number of registers the field occupies.
func (f *FieldDefinition) Size() int {
	switch f.Type {
	case TypeU32, TypeS32:
		return 2
	case TypeText:
		if f.Length > 0 {
			return f.Length
		}
	}
	return 1
}

// Group is a named set of fields answered by one named command.
type Group struct {
	Name     string            `json:"name"`
	Function string            `json:"function,omitempty"`
	Fields   []FieldDefinition `json:"fields"`
}

// Command returns the function code used to read the group.
func (g *Group) Command() string {
	if g.Function == "" {
		return protocol.CommandReadHolding
	}
	return g.Function
}

// Layout is a register map of one inverter family.
type Layout struct {
	Name   string  `json:"name"`
	Model  string  `json:"model,omitempty"`
	Groups []Group `json:"groups"`
}

// Group returns the named group.
func (l *Layout) Group(name string) (*Group, bool) {
	for i := range l.Groups {
		if l.Groups[i].Name == name {
			return &l.Groups[i], true
		}
	}
	return nil, false
}

// GroupNames returns the group names in layout order.
func (l *Layout) GroupNames() []string {
	names := make([]string, len(l.Groups))
	for i := range l.Groups {
		names[i] = l.Groups[i].Name
	}
	return names
}

// ReadFunc reads count registers starting at start.
type ReadFunc func(function string, start, count int) ([]uint16, error)

// Parser holds the known layouts.
type Parser struct {
	layouts map[string]*Layout
	logger  zerolog.Logger
}

// NewParser creates a parser with the embedded layouts loaded.
func NewParser() (*Parser, error) {
	p := &Parser{
		layouts: make(map[string]*Layout),
		logger:  log.With().Str("component", "parser").Logger(),
	}

	if err := p.loadLayouts(); err != nil {
		return nil, fmt.Errorf("failed to load layout files: %w", err)
	}

	return p, nil
}

// loadLayouts loads all JSON layout files from embedded files.
func (p *Parser) loadLayouts() error {
	layoutFiles, err := embeddedLayouts.ReadDir("layouts")
	if err != nil {
		return fmt.Errorf("failed to read embedded layouts: %w", err)
	}

	for _, file := range layoutFiles {
		if err := p.processLayoutFile(file); err != nil {
			return err
		}
	}

	if len(p.layouts) == 0 {
		return fmt.Errorf("no embedded layout files found")
	}

	return nil
}

func (p *Parser) processLayoutFile(file fs.DirEntry) error {
	if file.IsDir() || !strings.HasSuffix(strings.ToLower(file.Name()), ".json") {
		return nil
	}

	data, err := embeddedLayouts.ReadFile("layouts/" + file.Name())
	if err != nil {
		return fmt.Errorf("failed to read embedded layout file %s: %w", file.Name(), err)
	}

	layout, err := ParseLayout(data)
	if err != nil {
		return fmt.Errorf("layout file %s: %w", file.Name(), err)
	}
	if layout.Name == "" {
		layout.Name = strings.ToLower(strings.TrimSuffix(file.Name(), filepath.Ext(file.Name())))
	}

	p.layouts[layout.Name] = layout
	p.logger.Debug().Str("layout", layout.Name).Int("groups", len(layout.Groups)).Msg("Loaded layout")
	return nil
}

// Layout resolves a layout by embedded name or by path to a JSON file.
// An empty name selects DefaultLayout.
func (p *Parser) Layout(nameOrPath string) (*Layout, error) {
	if nameOrPath == "" {
		nameOrPath = DefaultLayout
	}
	if l, ok := p.layouts[strings.ToLower(nameOrPath)]; ok {
		return l, nil
	}
	if !strings.HasSuffix(strings.ToLower(nameOrPath), ".json") {
		return nil, fmt.Errorf("unknown layout %q", nameOrPath)
	}

	data, err := os.ReadFile(nameOrPath)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	layout, err := ParseLayout(data)
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", nameOrPath, err)
	}
	p.logger.Info().Str("path", nameOrPath).Int("groups", len(layout.Groups)).Msg("Loaded layout file")
	return layout, nil
}

// Layouts returns the names of the embedded layouts.
func (p *Parser) Layouts() []string {
	names := make([]string, 0, len(p.layouts))
	for name := range p.layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseLayout decodes and checks a JSON layout.
func ParseLayout(data []byte) (*Layout, error) {
	var layout Layout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to parse layout: %w", err)
	}
	if len(layout.Groups) == 0 {
		return nil, fmt.Errorf("layout has no groups")
	}

	for _, g := range layout.Groups {
		if g.Name == "" {
			return nil, fmt.Errorf("group without name")
		}
		if g.Name == protocol.CommandAll || strings.ContainsAny(g.Name, " \t") {
			return nil, fmt.Errorf("invalid group name %q", g.Name)
		}
		for _, f := range g.Fields {
			if f.Name == "" || f.Register < 0 || f.Register+f.Size() > 65536 {
				return nil, fmt.Errorf("group %s: invalid field %q at %d", g.Name, f.Name, f.Register)
			}
			switch f.Type {
			case TypeU16, TypeS16, TypeU32, TypeS32, TypeText:
			default:
				return nil, fmt.Errorf("group %s: field %s has unknown type %q", g.Name, f.Name, f.Type)
			}
		}
	}

	return &layout, nil
}

// DecodeGroup reads the registers covering the group and decodes its fields in
// layout order.
func (p *Parser) DecodeGroup(g *Group, read ReadFunc) ([]protocol.Field, error) {
	regs := make(map[int]uint16)

	for _, r := range discover(g.Fields, g.Command(), g.Name) {
		values, err := read(r.Command(), r.Start, r.Count)
		if err != nil {
			return nil, fmt.Errorf("read %s registers %s: %w", g.Name, r, err)
		}
		if len(values) < r.Count {
			return nil, fmt.Errorf("read %s registers %s: got %d of %d values", g.Name, r, len(values), r.Count)
		}
		for i, v := range values[:r.Count] {
			regs[r.Start+i] = v
		}
	}

	fields := DecodeFields(g.Fields, regs)
	p.logger.Trace().Str("group", g.Name).Int("fields", len(fields)).Msg("Decoded group")
	return fields, nil
}

// DecodeFields decodes every field whose registers are all present in regs.
func DecodeFields(defs []FieldDefinition, regs map[int]uint16) []protocol.Field {
	fields := make([]protocol.Field, 0, len(defs))

	for i := range defs {
		def := &defs[i]
		raw := make([]uint16, def.Size())
		complete := true
		for j := range raw {
			v, ok := regs[def.Register+j]
			if !ok {
				complete = false
				break
			}
			raw[j] = v
		}
		if !complete {
			continue
		}
		fields = append(fields, protocol.Field{Key: def.Name, Value: FormatValue(def, raw)})
	}

	return fields
}

// FormatValue renders the raw registers of one field.
func FormatValue(def *FieldDefinition, raw []uint16) string {
	if def.Type == TypeText {
		return cleanASCIIString(raw)
	}

	var v int64
	switch def.Type {
	case TypeS16:
		v = int64(int16(raw[0]))
	case TypeU32:
		v = int64(uint32(raw[0])<<16 | uint32(raw[1]))
	case TypeS32:
		v = int64(int32(uint32(raw[0])<<16 | uint32(raw[1])))
	default:
		v = int64(raw[0])
	}

	if def.Scale == 0 || def.Scale == 1 {
		return strconv.FormatInt(v, 10)
	}
	return strconv.FormatFloat(float64(v)/def.Scale, 'f', precision(def), 64)
}

func precision(def *FieldDefinition) int {
	if def.Precision != nil {
		return *def.Precision
	}
	p := 0
	for s := def.Scale; s > 1+1e-9; s /= 10 {
		p++
	}
	return p
}

// cleanASCIIString turns big-endian register pairs into text, dropping padding.
func cleanASCIIString(raw []uint16) string {
	b := make([]byte, 0, len(raw)*2)
	for _, r := range raw {
		b = append(b, byte(r>>8), byte(r))
	}
	s := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, string(b))
	return strings.TrimSpace(s)
}

// DiscoverRanges merges the fields of every group into poll ranges. Fields less
// than MaxRangeGap registers apart share a range and no range exceeds
// MaxRangeCount registers.
func DiscoverRanges(layout *Layout) []domain.RegisterRange {
	byFunction := make(map[string][]FieldDefinition)
	var functions []string
	for _, g := range layout.Groups {
		fn := g.Command()
		if _, ok := byFunction[fn]; !ok {
			functions = append(functions, fn)
		}
		byFunction[fn] = append(byFunction[fn], g.Fields...)
	}

	var ranges []domain.RegisterRange
	for _, fn := range functions {
		ranges = append(ranges, discover(byFunction[fn], fn, layout.Name)...)
	}
	return ranges
}

func discover(defs []FieldDefinition, function, label string) []domain.RegisterRange {
	if len(defs) == 0 {
		return nil
	}

	type span struct{ start, end int }
	spans := make([]span, len(defs))
	for i := range defs {
		spans[i] = span{defs[i].Register, defs[i].Register + defs[i].Size() - 1}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start == spans[j].start {
			return spans[i].end < spans[j].end
		}
		return spans[i].start < spans[j].start
	})

	var merged []span
	cur := spans[0]
	for _, s := range spans[1:] {
		if s.start-cur.end <= MaxRangeGap {
			cur.end = max(cur.end, s.end)
			continue
		}
		merged = append(merged, cur)
		cur = s
	}
	merged = append(merged, cur)

	fn := function
	if fn == protocol.CommandReadHolding {
		fn = ""
	}

	var ranges []domain.RegisterRange
	for _, m := range merged {
		start, count := m.start, m.end-m.start+1
		for count > 0 {
			n := min(count, MaxRangeCount)
			ranges = append(ranges, domain.RegisterRange{Start: start, Count: n, Label: label, Function: fn})
			start += n
			count -= n
		}
	}
	return ranges
}
