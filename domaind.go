/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package domaind contains constants shared across the domain controller.
package domaind

const (
	// Version is the semantic version of the controller build.
	Version = "1.4.0"

	// ComponentKey is the log attribute key used to tag a logger with the
	// component it belongs to.
	ComponentKey = "component"
)

// Component names used to tag loggers and metrics.
const (
	// ComponentRegistry is the node membership registry.
	ComponentRegistry = "registry"

	// ComponentGatekeeper is the admission state machine.
	ComponentGatekeeper = "gatekeeper"

	// ComponentAssignment is the worker assignment queue.
	ComponentAssignment = "assignment"

	// ComponentHeartbeat covers the metaverse and ICE heartbeat engines.
	ComponentHeartbeat = "heartbeat"

	// ComponentBackup is the content backup engine.
	ComponentBackup = "backup"

	// ComponentSettings is the layered settings store.
	ComponentSettings = "settings"

	// ComponentWeb is the administrative HTTP surface.
	ComponentWeb = "web"

	// ComponentDispatch is the inbound packet dispatcher.
	ComponentDispatch = "dispatch"

	// ComponentProcess is the top level service supervisor.
	ComponentProcess = "process"
)
