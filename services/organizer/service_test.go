// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package organizer

import (
	"strings"
	"testing"

	"github.com/AleutianAI/recall/services/organizer/config"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

func TestNewService_MissingDependencies(t *testing.T) {
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Scheduler.Dir = t.TempDir()
	idx := vectorindex.NewMemoryIndex(3)

	complete := func() Dependencies {
		return Dependencies{
			Config:    cfg,
			Index:     idx,
			Distiller: stubDistiller{},
			Embedder:  stubEmbedder{},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Dependencies)
		wantMsg string
	}{
		{"nil config", func(d *Dependencies) { d.Config = nil }, "config"},
		{"nil index", func(d *Dependencies) { d.Index = nil }, "vector index"},
		{"nil distiller", func(d *Dependencies) { d.Distiller = nil }, "distiller"},
		{"nil embedder", func(d *Dependencies) { d.Embedder = nil }, "embedder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := complete()
			tt.mutate(&deps)
			svc, err := NewService(deps)
			if err == nil {
				_ = svc.Close()
				t.Fatal("NewService accepted incomplete dependencies")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %q, want mention of %q", err, tt.wantMsg)
			}
		})
	}
}
