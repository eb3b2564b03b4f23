// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	deviceIDKey contextKey = "device_id"
	userIDKey   contextKey = "user_id"
	branchIDKey contextKey = "branch_id"
)

// SetDeviceID sets the device ID in the context
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the device ID from the context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetBranchID sets the branch ID in the context
func SetBranchID(ctx context.Context, branchID string) context.Context {
	return context.WithValue(ctx, branchIDKey, branchID)
}

// GetBranchID retrieves the branch ID from the context; terminals without a branch get ""
func GetBranchID(ctx context.Context) string {
	branchID, _ := ctx.Value(branchIDKey).(string)
	return branchID
}

// SetAuthContext sets user, device and branch in one call
func SetAuthContext(ctx context.Context, userID, deviceID, branchID string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetDeviceID(ctx, deviceID)
	return SetBranchID(ctx, branchID)
}
