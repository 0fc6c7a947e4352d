// Package api exposes the REST surface for registering automation tasks,
// inspecting their evaluation history and controlling their lifecycle.
package api
