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

package service

import (
	"context"

	"github.com/gravitational/domaind/lib/assignment"
)

// staticWorkerTypes are the worker kinds a domain fields by default. Each
// enabled type keeps exactly one static assignment alive.
var staticWorkerTypes = []assignment.Type{
	assignment.TypeAudioMixer,
	assignment.TypeAvatarMixer,
	assignment.TypeAssetServer,
	assignment.TypeEntityServer,
	assignment.TypeMessagesMixer,
	assignment.TypeEntityScriptServer,
}

// syncStaticAssignments reconciles the queue with the settings document:
// every enabled worker type gets a static assignment if none is queued or
// fulfilled, and every persistent script keeps its configured instance
// count. Runs at startup and on settings updates; it only ever adds, the
// queue retires assignments itself when workers die.
func (p *Process) syncStaticAssignments(ctx context.Context) {
	queued, fulfilled := p.queue.Snapshot()

	haveType := make(map[string]bool)
	scriptInstances := make(map[string]int)
	for _, view := range append(queued, fulfilled...) {
		haveType[view.Type] = true
		if view.Type == assignment.TypeAgent.String() && view.Payload != "" {
			scriptInstances[view.Payload]++
		}
	}

	for _, t := range staticWorkerTypes {
		name := t.String()
		if haveType[name] {
			continue
		}
		if !p.settings.GetBool("jobs."+name+".enabled", true) {
			continue
		}
		pool := p.settings.GetString("jobs."+name+".pool", "")
		payload := p.settings.GetString("jobs."+name+".config", "")
		p.queue.Enqueue(assignment.NewStatic(t, pool, []byte(payload)))
		p.logger.InfoContext(ctx, "Queued static worker assignment", "type", name, "pool", pool)
	}

	for _, row := range p.persistentScripts() {
		missing := row.instances - scriptInstances[row.url]
		for range max(missing, 0) {
			a := assignment.NewStatic(assignment.TypeAgent, row.pool, []byte(row.url))
			p.queue.Enqueue(a)
			p.logger.InfoContext(ctx, "Queued persistent script assignment", "url", row.url, "pool", row.pool)
		}
	}
}

type persistentScript struct {
	url       string
	instances int
	pool      string
}

// persistentScripts parses scripts.persistent_scripts rows out of the
// settings document.
func (p *Process) persistentScripts() []persistentScript {
	v, ok := p.settings.Get("scripts.persistent_scripts")
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var scripts []persistentScript
	for _, item := range list {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		url, _ := row["url"].(string)
		if url == "" {
			continue
		}
		instances, _ := row["num_instances"].(float64)
		if instances < 1 {
			instances = 1
		}
		pool, _ := row["pool"].(string)
		scripts = append(scripts, persistentScript{
			url:       url,
			instances: int(instances),
			pool:      pool,
		})
	}
	return scripts
}
