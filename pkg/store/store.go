// Package store persists session snapshots.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"newtonchat/pkg/comm"
	"newtonchat/pkg/config"
)

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// ErrNoSnapshot reports that nothing was saved yet.
var ErrNoSnapshot = errors.New("no snapshot saved")

// Store saves and loads whole-session snapshots.
type Store interface {
	Save(ctx context.Context, snap comm.Snapshot) error
	// Load returns the most recent snapshot, or ErrNoSnapshot.
	Load(ctx context.Context) (comm.Snapshot, error)
	Close() error
}

// New opens the store configured by cfg. The location may carry overrides
// as path?{"dotted.path": value}; they are applied to every loaded snapshot.
func New(cfg config.StorageConfig) (Store, error) {
	path, overrides, err := ParseLocation(cfg.Location)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New("storage location is empty")
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverFile
	}

	var s Store
	switch driver {
	case DriverFile:
		s = NewFileStore(path)
	case DriverSQLite:
		s, err = NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}

	logger().Debug("store opened", "driver", driver, "path", path, "overrides", len(overrides))
	if len(overrides) == 0 {
		return s, nil
	}
	return &overridden{Store: s, overrides: overrides}, nil
}

// ParseLocation splits "path?{json}" into the path and its overrides.
func ParseLocation(location string) (string, map[string]any, error) {
	path, raw, found := strings.Cut(strings.TrimSpace(location), "?")
	path = strings.TrimSpace(path)
	if !found || strings.TrimSpace(raw) == "" {
		return path, nil, nil
	}

	var overrides map[string]any
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return "", nil, fmt.Errorf("parse storage overrides: %w", err)
	}
	return path, overrides, nil
}

type overridden struct {
	Store
	overrides map[string]any
}

func (o *overridden) Load(ctx context.Context) (comm.Snapshot, error) {
	snap, err := o.Store.Load(ctx)
	if err != nil {
		return snap, err
	}
	if err := ApplyOverrides(&snap, o.overrides); err != nil {
		return comm.Snapshot{}, err
	}
	return snap, nil
}

// ApplyOverrides writes every override into snap, in key order. Keys are
// dotted paths such as "instances.base.config.show_time"; a "__N" step
// indexes into an array. A leading dot is ignored.
func ApplyOverrides(snap *comm.Snapshot, overrides map[string]any) error {
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := applyOverride(snap, key, overrides[key]); err != nil {
			return fmt.Errorf("override %q: %w", key, err)
		}
	}
	return nil
}

func applyOverride(snap *comm.Snapshot, key string, value any) error {
	steps := strings.Split(strings.TrimPrefix(key, "."), ".")
	if len(steps) < 2 {
		return errors.New("path must name an entry")
	}

	switch steps[0] {
	case "instances":
		if snap.Instances == nil {
			return errors.New("snapshot has no instances")
		}
		raw, ok := snap.Instances.Get(steps[1])
		if !ok {
			return fmt.Errorf("unknown instance %q", steps[1])
		}
		updated, err := overrideRaw(raw, steps[2:], value)
		if err != nil {
			return err
		}
		snap.Instances.Set(steps[1], updated)
		return nil
	case "!!dead_instances":
		return overrideList(snap.DeadInstances, steps[1:], value)
	case "!!sessions_history":
		return overrideList(snap.SessionsHistory, steps[1:], value)
	default:
		return fmt.Errorf("unknown snapshot field %q", steps[0])
	}
}

func overrideList(list []json.RawMessage, steps []string, value any) error {
	i, err := indexStep(steps[0], len(list))
	if err != nil {
		return err
	}
	updated, err := overrideRaw(list[i], steps[1:], value)
	if err != nil {
		return err
	}
	list[i] = updated
	return nil
}

func overrideRaw(raw json.RawMessage, steps []string, value any) (json.RawMessage, error) {
	if len(steps) == 0 {
		return json.Marshal(value)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	tree, err := setPath(tree, steps, value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

func setPath(node any, steps []string, value any) (any, error) {
	if len(steps) == 0 {
		return value, nil
	}
	step := steps[0]

	switch container := node.(type) {
	case map[string]any:
		child, ok := container[step]
		if !ok && len(steps) > 1 {
			return nil, fmt.Errorf("missing key %q", step)
		}
		updated, err := setPath(child, steps[1:], value)
		if err != nil {
			return nil, err
		}
		container[step] = updated
		return container, nil
	case []any:
		i, err := indexStep(step, len(container))
		if err != nil {
			return nil, err
		}
		updated, err := setPath(container[i], steps[1:], value)
		if err != nil {
			return nil, err
		}
		container[i] = updated
		return container, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", node, step)
	}
}

func indexStep(step string, length int) (int, error) {
	digits, ok := strings.CutPrefix(step, "__")
	if !ok {
		return 0, fmt.Errorf("array step %q must look like __N", step)
	}
	i, err := strconv.Atoi(digits)
	if err != nil || i < 0 || i >= length {
		return 0, fmt.Errorf("index %q out of range", step)
	}
	return i, nil
}

func logger() *slog.Logger {
	return slog.Default().With("component", "store")
}
