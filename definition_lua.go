// Lua evaluation of module definition files.
//
// A definition file is a Lua script whose returned value yields a module
// definition through one of three accepted shapes, probed in fixed order:
// a factory function invoked with a context table, a definition table, or
// a table wrapping either under a "default" field. The first shape that
// produces a table with an "id" string wins.
package modkit

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// luaDefinition owns the Lua state backing a loaded definition. The state
// stays alive for the definition's lifetime because hooks call back into
// it; Close releases it when the module is unloaded or replaced.
type luaDefinition struct {
	mu     sync.Mutex
	state  *lua.LState
	closed bool
}

// Close releases the underlying Lua state. Idempotent.
func (ld *luaDefinition) Close() {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	if !ld.closed {
		ld.closed = true
		ld.state.Close()
	}
}

// hookFunc bridges a Lua function into a Go HookFunc. Calls into the
// shared state are serialized; a call after Close is a no-op so cleanup
// never fails on an already-retired definition.
func (ld *luaDefinition) hookFunc(fn *lua.LFunction) HookFunc {
	return func(_ context.Context) error {
		ld.mu.Lock()
		defer ld.mu.Unlock()
		if ld.closed {
			return nil
		}
		return ld.state.CallByParam(lua.P{
			Fn:      fn,
			NRet:    0,
			Protect: true,
		})
	}
}

// evaluateModuleFile runs the script at path in a fresh sandboxed state
// and decodes the result. The returned luaDefinition must be closed when
// the definition is retired.
func evaluateModuleFile(path string, logger Logger) (*ModuleDefinition, *luaDefinition, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	// Only the safe standard libraries; no io or os access from
	// definition files.
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, nil, fmt.Errorf("evaluating %s: %w", path, err)
	}

	value := L.Get(-1)
	L.Pop(1)

	table, err := resolveExport(L, value, path, logger)
	if err != nil {
		L.Close()
		return nil, nil, err
	}

	ld := &luaDefinition{state: L}
	def, err := decodeDefinition(L, table, ld)
	if err != nil {
		L.Close()
		return nil, nil, err
	}
	return def, ld, nil
}

// resolveExport probes the script's returned value for the three accepted
// export shapes in fixed order.
func resolveExport(L *lua.LState, value lua.LValue, path string, logger Logger) (*lua.LTable, error) {
	// Shape 1: factory function called with a context table.
	if fn, ok := value.(*lua.LFunction); ok {
		return callFactory(L, fn, path, logger)
	}

	table, ok := value.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: script returned %s", ErrDefinitionShape, value.Type())
	}

	// Shape 2: direct definition table.
	if L.GetField(table, "id") != lua.LNil {
		return table, nil
	}

	// Shape 3: wrapped "default export".
	switch inner := L.GetField(table, "default").(type) {
	case *lua.LFunction:
		return callFactory(L, inner, path, logger)
	case *lua.LTable:
		if L.GetField(inner, "id") != lua.LNil {
			return inner, nil
		}
	}

	return nil, fmt.Errorf("%w: no shape yielded an id", ErrDefinitionShape)
}

// callFactory invokes a factory export with the loader context table and
// expects a definition table back.
func callFactory(L *lua.LState, fn *lua.LFunction, path string, logger Logger) (*lua.LTable, error) {
	ctx := L.NewTable()
	L.SetField(ctx, "path", lua.LString(path))
	L.SetField(ctx, "log", L.NewFunction(func(L *lua.LState) int {
		logger.Info("module script: "+L.CheckString(1), "path", path)
		return 0
	}))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, ctx); err != nil {
		return nil, fmt.Errorf("invoking module factory: %w", err)
	}
	result := L.Get(-1)
	L.Pop(1)

	table, ok := result.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: factory returned %s", ErrFactoryNoResult, result.Type())
	}
	return table, nil
}

// decodeDefinition maps a resolved Lua table onto a ModuleDefinition.
func decodeDefinition(L *lua.LState, table *lua.LTable, ld *luaDefinition) (*ModuleDefinition, error) {
	id, ok := L.GetField(table, "id").(lua.LString)
	if !ok || id == "" {
		return nil, ErrModuleIDEmpty
	}

	def := &ModuleDefinition{
		ID:          string(id),
		Name:        luaString(L, table, "name"),
		Description: luaString(L, table, "description"),
		Version:     luaString(L, table, "version"),
	}
	if def.Name == "" {
		def.Name = def.ID
	}

	def.IsDefault = luaBool(L, table, "isDefault")
	def.EnabledByDefault = luaBool(L, table, "enabled")
	def.DisplayOrder = luaInt(L, table, "displayOrder")

	if deps, ok := L.GetField(table, "dependencies").(*lua.LTable); ok {
		deps.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok {
				def.Dependencies = append(def.Dependencies, string(s))
			}
		})
	}

	if routes, ok := L.GetField(table, "routes").(*lua.LTable); ok {
		var decodeErr error
		routes.ForEach(func(_, v lua.LValue) {
			rt, ok := v.(*lua.LTable)
			if !ok {
				decodeErr = ErrRouteInvalid
				return
			}
			def.Routes = append(def.Routes, Route{
				Method:  luaString(L, rt, "method"),
				Path:    luaString(L, rt, "path"),
				Handler: luaString(L, rt, "handler"),
			})
		})
		if decodeErr != nil {
			return nil, decodeErr
		}
	}

	if cfg, ok := L.GetField(table, "config").(*lua.LTable); ok {
		schema, err := decodeSchema(L, cfg)
		if err != nil {
			return nil, err
		}
		def.Config = schema
	}

	if hooks, ok := L.GetField(table, "hooks").(*lua.LTable); ok {
		if init, ok := L.GetField(hooks, "init").(*lua.LFunction); ok {
			def.Hooks.Init = ld.hookFunc(init)
		}
		if cleanup, ok := L.GetField(hooks, "cleanup").(*lua.LFunction); ok {
			def.Hooks.Cleanup = ld.hookFunc(cleanup)
		}
	}

	return def, nil
}

// decodeSchema maps a config table (setting name -> declaration) onto a
// ConfigSchema.
func decodeSchema(L *lua.LState, cfg *lua.LTable) (*ConfigSchema, error) {
	schema := &ConfigSchema{Settings: make(map[string]ConfigSetting)}

	var decodeErr error
	cfg.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		decl, ok := v.(*lua.LTable)
		if !ok {
			decodeErr = fmt.Errorf("%w: setting %q is not a table", ErrSchemaTypeUnknown, name)
			return
		}

		setting := ConfigSetting{
			Type:        SettingType(luaString(L, decl, "type")),
			Description: luaString(L, decl, "description"),
		}
		if d := L.GetField(decl, "default"); d != lua.LNil {
			setting.Default = luaToGo(d)
		}
		if n, ok := L.GetField(decl, "min").(lua.LNumber); ok {
			f := float64(n)
			setting.Min = &f
		}
		if n, ok := L.GetField(decl, "max").(lua.LNumber); ok {
			f := float64(n)
			setting.Max = &f
		}
		if opts, ok := L.GetField(decl, "options").(*lua.LTable); ok {
			opts.ForEach(func(_, o lua.LValue) {
				if s, ok := o.(lua.LString); ok {
					setting.Options = append(setting.Options, string(s))
				}
			})
		}
		schema.Settings[string(name)] = setting
	})
	if decodeErr != nil {
		return nil, decodeErr
	}

	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return schema, nil
}

// luaToGo converts scalar Lua values for use as setting defaults.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int(f)) {
			return int(f)
		}
		return f
	case lua.LBool:
		return bool(val)
	default:
		return v.String()
	}
}

func luaString(L *lua.LState, t *lua.LTable, field string) string {
	if s, ok := L.GetField(t, field).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func luaBool(L *lua.LState, t *lua.LTable, field string) bool {
	if b, ok := L.GetField(t, field).(lua.LBool); ok {
		return bool(b)
	}
	return false
}

func luaInt(L *lua.LState, t *lua.LTable, field string) int {
	if n, ok := L.GetField(t, field).(lua.LNumber); ok {
		return int(n)
	}
	return 0
}
