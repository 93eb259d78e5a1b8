package modkit

import (
	"errors"
)

// Module lifecycle errors
var (
	// Definition validation errors
	ErrDefinitionNil     = errors.New("module definition is nil")
	ErrModuleIDEmpty     = errors.New("module definition has no id")
	ErrRouteInvalid      = errors.New("module route missing method or path")
	ErrDefinitionShape   = errors.New("file did not yield a module definition")
	ErrFactoryNoResult   = errors.New("module factory returned no definition")
	ErrSchemaTypeUnknown = errors.New("config setting has unknown type")
	ErrSettingUnknown    = errors.New("config value has no declared setting")
	ErrSettingOutOfRange = errors.New("config value outside declared bounds")
	ErrSettingBadOption  = errors.New("config value not among declared options")

	// Registry errors
	ErrDuplicateModule        = errors.New("module already registered")
	ErrMissingDependency      = errors.New("module depends on unregistered module")
	ErrModuleNotFound         = errors.New("module not found")
	ErrDefaultModuleProtected = errors.New("operation would leave no enabled module")
	ErrInitHookFailed         = errors.New("module init hook failed")
	ErrHookTimeout            = errors.New("module hook timed out")
	ErrStoreNil               = errors.New("module store is nil")

	// Loader errors
	ErrFileNotFound  = errors.New("module file not found")
	ErrModuleLoad    = errors.New("failed to load module file")
	ErrNotFileBacked = errors.New("module has no source file to reload from")
	ErrWatchSetup    = errors.New("failed to install filesystem watch")
	ErrLoaderClosed  = errors.New("loader has been closed")

	// Event errors
	ErrObserverNil = errors.New("observer is nil")
)
