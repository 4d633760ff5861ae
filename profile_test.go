// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adsp

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rich1111/adsp/mailbox"
)

func TestMT8186Profile(t *testing.T) {
	p := MT8186()
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := p.Mailbox.MailboxOffset(); got != 0 {
		t.Errorf("MailboxOffset = %#x, want 0", got)
	}
	off, err := p.Mailbox.WindowOffset(0)
	if err != nil || off != 0 {
		t.Errorf("WindowOffset(0) = %#x, %v", off, err)
	}
	if got := p.remapConfig().Granule(); got != 0x1000 {
		t.Errorf("granule = %#x, want 0x1000", got)
	}
	// Profiles are independent copies.
	p.Mailbox.Windows[0] = 0x1000
	if MT8186().Mailbox.Windows[0] != 0 {
		t.Error("MT8186 returned shared window table")
	}
}

func TestParseProfileOverrides(t *testing.T) {
	const doc = `
name: mt8186-evb
sramViewBase: 0x4e000000
mailbox:
  mailbox: 0x40000
  windows:
    0: 0x40000
  boxes:
  - {role: dspbox, window: 0, offset: 0x0, size: 0x800}
  - {role: hostbox, window: 0, offset: 0x800, size: 0x800}
  - {role: debugbox, window: 0, offset: 0x1000, size: 0x400}
`
	p, err := ParseProfile([]byte(doc))
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if p.Name != "mt8186-evb" || p.SRAMViewBase != 0x4e000000 {
		t.Errorf("overrides not applied: %+v", p)
	}
	if p.SharedSize != mt8186SharedSize || p.EMIMapReg != mt8186EMIMapReg {
		t.Errorf("defaults lost: %+v", p)
	}
	ws, err := p.Mailbox.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := mailbox.Window{Role: mailbox.HostBox, Offset: 0x40800, Size: 0x800}
	if diff := cmp.Diff(want, ws[mailbox.HostBox]); diff != "" {
		t.Errorf("host box diff (-want +got):\n%s", diff)
	}
}

func TestParseProfileErrors(t *testing.T) {
	for _, tc := range []struct {
		desc string
		doc  string
	}{
		{desc: "not yaml", doc: "remapShift: [12"},
		{desc: "zero shift", doc: "remapShift: 0"},
		{desc: "shared larger than dram", doc: "sharedSize: 0x1000000"},
		{desc: "no sram mask", doc: "sramPoolMask: 0"},
		{desc: "unknown role", doc: "mailbox:\n  boxes:\n  - {role: spare, size: 4}"},
		{desc: "box outside shared region", doc: "mailbox:\n  windows:\n    0: 0x7f000"},
		{desc: "missing debug box", doc: "mailbox:\n  boxes:\n  - {role: dspbox, size: 0x100}\n  - {role: hostbox, offset: 0x100, size: 0x100}"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := ParseProfile([]byte(tc.doc)); !errors.Is(err, ErrConfig) {
				t.Errorf("ParseProfile = %v, want ErrConfig", err)
			}
		})
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("name: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Name != "from-file" {
		t.Errorf("name = %q, want from-file", p.Name)
	}
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadProfile on a missing file succeeded")
	}
}
