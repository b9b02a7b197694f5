// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import "testing"

func TestObjectName(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		file   string
		want   string
	}{
		{name: "no prefix", prefix: "", file: "concept-1.json", want: "schedules/concept-1.json"},
		{name: "with prefix", prefix: "prod", file: "concept-1.json", want: "prod/schedules/concept-1.json"},
		{name: "nested prefix", prefix: "backups/daily", file: "a.json", want: "backups/daily/schedules/a.json"},
		{name: "empty file gives list prefix base", prefix: "prod", file: "", want: "prod/schedules"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manager{prefix: tt.prefix}
			if got := m.objectName(tt.file); got != tt.want {
				t.Errorf("objectName(%q) = %q, want %q", tt.file, got, tt.want)
			}
		})
	}
}
