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

// Package platform discovers the physical resources of the DSP: its
// register windows, instruction SRAM and the reserved DRAM regions.
package platform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Tag names a platform resource.
type Tag string

// Register windows are named by the device node's reg-names; the DMA and
// system memory regions are the first and second memory-region phandles.
const (
	TagCfg    Tag = "cfg"
	TagSRAM   Tag = "sram"
	TagSec    Tag = "sec"
	TagBus    Tag = "bus"
	TagDMA    Tag = "dma"
	TagSysMem Tag = "sysmem"
)

var (
	ErrNotFound = errors.New("platform resource not found")
	ErrInvalid  = errors.New("invalid platform description")
)

// Resource is a physical address range.
type Resource struct {
	Tag  Tag    `json:"tag"`
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
}

func (r Resource) String() string {
	return fmt.Sprintf("%s[%#x+%#x]", r.Tag, r.Base, r.Size)
}

// Source looks up resources by tag.
type Source interface {
	Lookup(tag Tag) (Resource, error)
}

// Table is a static Source.
type Table map[Tag]Resource

func (t Table) Lookup(tag Tag) (Resource, error) {
	r, ok := t[tag]
	if !ok {
		return Resource{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	return r, nil
}

// Add records r under its tag.
func (t Table) Add(r Resource) {
	t[r.Tag] = r
}

func (t Table) String() string {
	tags := make([]string, 0, len(t))
	for tag := range t {
		tags = append(tags, string(tag))
	}
	sort.Strings(tags)
	for i, tag := range tags {
		tags[i] = t[Tag(tag)].String()
	}
	return strings.Join(tags, " ")
}
