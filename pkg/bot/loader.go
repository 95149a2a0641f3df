package bot

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Loader constructs the bot behind one mode.
type Loader struct {
	Mode   string
	Schema *Schema
	New    func() (Bot, error)
}

// Loaders is the ordered set of available modes.
type Loaders struct {
	byMode *orderedmap.OrderedMap[string, Loader]
}

// NewLoaders registers loaders in order. Later loaders replace earlier ones
// with the same mode.
func NewLoaders(loaders ...Loader) *Loaders {
	l := &Loaders{byMode: orderedmap.New[string, Loader]()}
	for _, loader := range loaders {
		l.byMode.Set(loader.Mode, loader)
	}
	return l
}

// Get returns the loader for mode.
func (l *Loaders) Get(mode string) (Loader, bool) {
	return l.byMode.Get(mode)
}

// Build constructs a bot for mode.
func (l *Loaders) Build(mode string) (Bot, error) {
	loader, ok := l.byMode.Get(mode)
	if !ok {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	b, err := loader.New()
	if err != nil {
		return nil, fmt.Errorf("build %s bot: %w", mode, err)
	}
	return b, nil
}

// Modes returns the registered modes in order.
func (l *Loaders) Modes() []string {
	modes := make([]string, 0, l.byMode.Len())
	for pair := l.byMode.Oldest(); pair != nil; pair = pair.Next() {
		modes = append(modes, pair.Key)
	}
	return modes
}

// Schemas returns the configuration schema of every mode, in order.
func (l *Loaders) Schemas() *orderedmap.OrderedMap[string, *Schema] {
	out := orderedmap.New[string, *Schema]()
	for pair := l.byMode.Oldest(); pair != nil; pair = pair.Next() {
		schema := pair.Value.Schema
		if schema == nil {
			schema = NewSchema()
		}
		out.Set(pair.Key, schema)
	}
	return out
}
