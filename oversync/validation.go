// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validation error sentinels for better error mapping
var (
	ErrBadPayload         = errors.New("bad_payload")
	ErrUnregisteredEntity = errors.New("unregistered_entity")
	ErrValidation         = errors.New("validation_failed")
)

// Reserved payload keys managed by the gateway
var reservedPayloadKeys = []string{"_version", "_deleted", "_serverUpdatedAt"}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs tag validation and flattens failures into a single error
func (s *SyncService) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := ValidationErrorFields(verrs)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, ", "))
}

// ValidationErrorFields maps each failing field namespace to the failed tag
func ValidationErrorFields(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Namespace()] = fe.Tag()
	}
	return out
}

// validatePushItem normalizes and validates a single pushed mutation.
// It returns the invalid reason together with the error.
func (s *SyncService) validatePushItem(it *PushItem) (string, error) {
	it.Entity = strings.ToLower(strings.TrimSpace(it.Entity))
	it.Operation = strings.ToLower(strings.TrimSpace(it.Operation))
	it.EntityID = strings.TrimSpace(it.EntityID)

	if err := s.validateStruct(it); err != nil {
		return ReasonValidationFailed, err
	}
	if !s.IsEntityRegistered(it.Entity) {
		return ReasonUnregisteredEntity, fmt.Errorf("%w: %s", ErrUnregisteredEntity, it.Entity)
	}

	if s.config.MaxPayloadBytes > 0 && len(it.Payload) > s.config.MaxPayloadBytes {
		return ReasonBadPayload, fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(it.Payload), s.config.MaxPayloadBytes)
	}

	if it.Operation == OpDelete && len(it.Payload) == 0 {
		return "", nil
	}
	if len(it.Payload) == 0 {
		return ReasonBadPayload, fmt.Errorf("%w: payload required for %s", ErrBadPayload, it.Operation)
	}

	var obj map[string]any
	if err := json.Unmarshal(it.Payload, &obj); err != nil || obj == nil {
		return ReasonBadPayload, fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}
	for _, k := range reservedPayloadKeys {
		if _, ok := obj[k]; ok {
			return ReasonBadPayload, fmt.Errorf("%w: payload may not contain %s", ErrBadPayload, k)
		}
	}
	if v, ok := obj["id"]; ok {
		if id, isStr := v.(string); !isStr || id != it.EntityID {
			return ReasonBadPayload, fmt.Errorf("%w: payload id does not match entityId %s", ErrBadPayload, it.EntityID)
		}
	}

	if it.ClientUpdatedAt == nil {
		if raw, ok := obj["updatedAt"].(string); ok && raw != "" {
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return ReasonBadPayload, fmt.Errorf("%w: invalid updatedAt %q", ErrBadPayload, raw)
			}
			it.ClientUpdatedAt = &ts
		}
	}

	return "", nil
}
