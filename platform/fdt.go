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

package platform

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/u-root/u-root/pkg/dt"
	"k8s.io/klog/v2"
)

// Cell defaults when a parent node does not specify them.
const (
	defaultAddressCells = 2
	defaultSizeCells    = 1
)

// SysFDT is the flattened device tree exported by the kernel.
const SysFDT = "/sys/firmware/fdt"

// ReadFDTFile reads a device tree blob from path and returns the
// resources of the node compatible with compatible.
func ReadFDTFile(path, compatible string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromFDT(f, compatible)
}

// FromFDT parses a device tree blob. The DSP node is the first node whose
// compatible list contains compatible. Its reg entries are named by
// reg-names, and its memory-region phandles give the DMA pool (index 0)
// and the DSP system memory (index 1).
func FromFDT(r io.ReadSeeker, compatible string) (Table, error) {
	fdt, err := dt.ReadFDT(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if fdt.RootNode == nil {
		return nil, fmt.Errorf("%w: empty device tree", ErrInvalid)
	}
	tr := newTree(fdt.RootNode)
	dev, ok := tr.compatible(compatible)
	if !ok {
		return nil, fmt.Errorf("%w: no node compatible with %q", ErrNotFound, compatible)
	}

	t := make(Table)
	regs, err := tr.reg(dev)
	if err != nil {
		return nil, err
	}
	names := stringList(prop(dev.node, "reg-names"))
	if len(names) > len(regs) {
		return nil, fmt.Errorf("%w: %s has %d reg-names for %d reg entries", ErrInvalid, dev.node.Name, len(names), len(regs))
	}
	for i, name := range names {
		t.Add(Resource{Tag: Tag(name), Base: regs[i].Base, Size: regs[i].Size})
	}

	phandles, err := cells(prop(dev.node, "memory-region"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s memory-region: %v", ErrInvalid, dev.node.Name, err)
	}
	for i, tag := range []Tag{TagDMA, TagSysMem} {
		if i >= len(phandles) {
			break
		}
		mem, ok := tr.phandles[phandles[i]]
		if !ok {
			return nil, fmt.Errorf("%w: %s memory-region phandle %#x", ErrNotFound, tag, phandles[i])
		}
		regs, err := tr.reg(mem)
		if err != nil {
			return nil, err
		}
		if len(regs) == 0 {
			return nil, fmt.Errorf("%w: %s region %s has no reg", ErrInvalid, tag, mem.node.Name)
		}
		t.Add(Resource{Tag: tag, Base: regs[0].Base, Size: regs[0].Size})
	}
	klog.V(2).InfoS("Platform resources from device tree", "node", dev.node.Name, "resources", t.String())
	return t, nil
}

// located is a node together with its parent, which holds the cell sizes
// used to decode the node's reg.
type located struct {
	node   *dt.Node
	parent *dt.Node
}

type tree struct {
	nodes    []located
	phandles map[uint32]located
}

func newTree(root *dt.Node) *tree {
	t := &tree{phandles: make(map[uint32]located)}
	var walk func(n, parent *dt.Node)
	walk = func(n, parent *dt.Node) {
		l := located{node: n, parent: parent}
		t.nodes = append(t.nodes, l)
		for _, name := range []string{"phandle", "linux,phandle"} {
			if v := prop(n, name); len(v) == 4 {
				t.phandles[binary.BigEndian.Uint32(v)] = l
			}
		}
		for _, c := range n.Children {
			walk(c, n)
		}
	}
	walk(root, nil)
	return t
}

func (t *tree) compatible(c string) (located, bool) {
	for _, l := range t.nodes {
		for _, s := range stringList(prop(l.node, "compatible")) {
			if s == c {
				return l, true
			}
		}
	}
	return located{}, false
}

// reg decodes the reg property of l using the cell sizes of its parent.
func (t *tree) reg(l located) ([]Resource, error) {
	ac, sc := uint32(defaultAddressCells), uint32(defaultSizeCells)
	if l.parent != nil {
		if v := prop(l.parent, "#address-cells"); len(v) == 4 {
			ac = binary.BigEndian.Uint32(v)
		}
		if v := prop(l.parent, "#size-cells"); len(v) == 4 {
			sc = binary.BigEndian.Uint32(v)
		}
	}
	if ac == 0 || ac > 2 || sc > 2 {
		return nil, fmt.Errorf("%w: %s: unsupported cells %d/%d", ErrInvalid, l.node.Name, ac, sc)
	}
	raw := prop(l.node, "reg")
	entry := int(ac+sc) * 4
	if len(raw)%entry != 0 {
		return nil, fmt.Errorf("%w: %s: reg of %d bytes is not a multiple of %d", ErrInvalid, l.node.Name, len(raw), entry)
	}
	var res []Resource
	for b := raw; len(b) > 0; b = b[entry:] {
		res = append(res, Resource{
			Base: readCells(b, ac),
			Size: readCells(b[ac*4:], sc),
		})
	}
	return res, nil
}

func readCells(b []byte, n uint32) uint64 {
	var v uint64
	for i := uint32(0); i < n; i++ {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[i*4:]))
	}
	return v
}

func prop(n *dt.Node, name string) []byte {
	for _, p := range n.Properties {
		if p.Name == name {
			return p.Value
		}
	}
	return nil
}

func cells(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%d bytes is not a cell list", len(b))
	}
	c := make([]uint32, len(b)/4)
	for i := range c {
		c[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return c, nil
}

// stringList splits a NUL separated string list property.
func stringList(b []byte) []string {
	var s []string
	for _, f := range bytes.Split(bytes.TrimRight(b, "\x00"), []byte{0}) {
		if len(f) > 0 {
			s = append(s, string(f))
		}
	}
	return s
}
