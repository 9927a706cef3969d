package config

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

// Validate checks cfg against the field constraints declared in the
// validate struct tags and the per-backend store requirements.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateStoreConfig, StoreConfig{})

	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	for _, dir := range cfg.Inode.Directories {
		if path.Clean(dir) == "/" {
			return fmt.Errorf("inode.directories: %q is the root and always exists", dir)
		}
	}

	if cfg.Writeback.Store.Type == string(store.TypePostgres) {
		if err := cfg.Writeback.Store.Postgres.Validate(); err != nil {
			return fmt.Errorf("writeback.store.postgres: %w", err)
		}
	}
	return nil
}

// validateStoreConfig requires the settings the selected backend cannot run
// without.
func validateStoreConfig(sl validator.StructLevel) {
	sc := sl.Current().Interface().(StoreConfig)

	switch store.Type(sc.Type) {
	case store.TypeFilesystem:
		if sc.Filesystem.BasePath == "" {
			sl.ReportError(sc.Filesystem.BasePath, "Filesystem.BasePath", "path", "required", "")
		}
	case store.TypeBadger:
		if sc.Badger.Path == "" {
			sl.ReportError(sc.Badger.Path, "Badger.Path", "path", "required", "")
		}
	case store.TypeS3:
		if sc.S3.Bucket == "" {
			sl.ReportError(sc.S3.Bucket, "S3.Bucket", "bucket", "required", "")
		}
	}
}

// formatValidationErrors turns validator output into one readable error
// keyed by the struct path.
func formatValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value()))
		case "gtfield":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", field, fe.Param()))
		default:
			if fe.Param() != "" {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s failed %s (got %v)", field, fe.Tag(), fe.Value()))
			}
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
