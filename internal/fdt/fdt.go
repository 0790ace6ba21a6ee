// Package fdt encodes and decodes Flattened Device Tree blobs.
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	headerSize     = 0x28
	version        = 17
	lastCompatible = 16
	magic          = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

var ErrMalformed = errors.New("fdt: malformed blob")

// Property is a named, already encoded property value.
type Property struct {
	Name  string
	Value []byte
}

// String encodes a string list property.
func String(name string, values ...string) Property {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	return Property{Name: name, Value: buf.Bytes()}
}

// U32 encodes a list of big-endian cells.
func U32(name string, values ...uint32) Property {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(out[4*i:], v)
	}
	return Property{Name: name, Value: out}
}

// U64 encodes a list of two-cell values.
func U64(name string, values ...uint64) Property {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(out[8*i:], v)
	}
	return Property{Name: name, Value: out}
}

// Flag encodes an empty property.
func Flag(name string) Property { return Property{Name: name} }

func (p Property) Strings() []string {
	s := strings.TrimSuffix(string(p.Value), "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

func (p Property) U32s() []uint32 {
	out := make([]uint32, len(p.Value)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(p.Value[4*i:])
	}
	return out
}

func (p Property) U64s() []uint64 {
	out := make([]uint64, len(p.Value)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(p.Value[8*i:])
	}
	return out
}

// Node is a device tree node. Properties and children keep insertion order.
type Node struct {
	Name     string
	Props    []Property
	Children []*Node
}

// Add appends properties to n and returns n.
func (n *Node) Add(props ...Property) *Node {
	n.Props = append(n.Props, props...)
	return n
}

// Child appends a new child node and returns it.
func (n *Node) Child(name string, props ...Property) *Node {
	c := &Node{Name: name, Props: props}
	n.Children = append(n.Children, c)
	return c
}

// Prop returns the property called name.
func (n *Node) Prop(name string) (Property, bool) {
	for _, p := range n.Props {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Find resolves a slash separated path such as "/cpus/cpu@0" below n.
func (n *Node) Find(path string) *Node {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		var next *Node
		for _, c := range cur.Children {
			if c.Name == part {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

type encoder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	offsets   map[string]uint32
}

// Build serializes the tree rooted at root. The root node's name is
// ignored.
func Build(root *Node) []byte {
	e := &encoder{offsets: make(map[string]uint32)}
	e.node(root, "")
	e.token(tokenEnd)

	structOff := uint32(headerSize + 16)
	stringsOff := structOff + uint32(e.structure.Len())
	total := stringsOff + uint32(e.strings.Len())

	blob := make([]byte, total)
	h := blob[:headerSize]
	binary.BigEndian.PutUint32(h[0:], magic)
	binary.BigEndian.PutUint32(h[4:], total)
	binary.BigEndian.PutUint32(h[8:], structOff)
	binary.BigEndian.PutUint32(h[12:], stringsOff)
	binary.BigEndian.PutUint32(h[16:], headerSize)
	binary.BigEndian.PutUint32(h[20:], version)
	binary.BigEndian.PutUint32(h[24:], lastCompatible)
	binary.BigEndian.PutUint32(h[32:], uint32(e.strings.Len()))
	binary.BigEndian.PutUint32(h[36:], uint32(e.structure.Len()))
	// The reservation map is a single zero entry.
	copy(blob[structOff:], e.structure.Bytes())
	copy(blob[stringsOff:], e.strings.Bytes())
	return blob
}

func (e *encoder) node(n *Node, name string) {
	e.token(tokenBeginNode)
	e.structure.WriteString(name)
	e.structure.WriteByte(0)
	e.pad()
	for _, p := range n.Props {
		e.token(tokenProp)
		e.u32(uint32(len(p.Value)))
		e.u32(e.stringOffset(p.Name))
		e.structure.Write(p.Value)
		e.pad()
	}
	for _, c := range n.Children {
		e.node(c, c.Name)
	}
	e.token(tokenEndNode)
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.offsets[name]; ok {
		return off
	}
	off := uint32(e.strings.Len())
	e.strings.WriteString(name)
	e.strings.WriteByte(0)
	e.offsets[name] = off
	return off
}

func (e *encoder) token(t uint32) { e.u32(t) }

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.structure.Write(b[:])
}

func (e *encoder) pad() {
	for e.structure.Len()%4 != 0 {
		e.structure.WriteByte(0)
	}
}

// Parse decodes a blob produced by Build or by any version 17 writer.
func Parse(blob []byte) (*Node, error) {
	if len(blob) < headerSize || binary.BigEndian.Uint32(blob) != magic {
		return nil, fmt.Errorf("%w: bad header", ErrMalformed)
	}
	total := binary.BigEndian.Uint32(blob[4:])
	structOff := binary.BigEndian.Uint32(blob[8:])
	stringsOff := binary.BigEndian.Uint32(blob[12:])
	structSize := binary.BigEndian.Uint32(blob[36:])
	if uint64(total) > uint64(len(blob)) || stringsOff > total ||
		uint64(structOff)+uint64(structSize) > uint64(total) {
		return nil, fmt.Errorf("%w: offsets outside the blob", ErrMalformed)
	}
	d := decoder{data: blob[structOff : structOff+structSize], strs: blob[stringsOff:total]}

	var stack []*Node
	var root *Node
	for {
		tok, err := d.u32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenBeginNode:
			name, err := d.cstring()
			if err != nil {
				return nil, err
			}
			n := &Node{Name: name}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: second root node", ErrMalformed)
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case tokenEndNode:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unbalanced end node", ErrMalformed)
			}
			stack = stack[:len(stack)-1]
		case tokenProp:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: property outside a node", ErrMalformed)
			}
			p, err := d.prop()
			if err != nil {
				return nil, err
			}
			top := stack[len(stack)-1]
			top.Props = append(top.Props, p)
		case tokenNop:
		case tokenEnd:
			if root == nil || len(stack) != 0 {
				return nil, fmt.Errorf("%w: truncated tree", ErrMalformed)
			}
			return root, nil
		default:
			return nil, fmt.Errorf("%w: unknown token %#x", ErrMalformed, tok)
		}
	}
}

type decoder struct {
	data []byte
	off  int
	strs []byte
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.data) {
		return 0, fmt.Errorf("%w: structure block truncated", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) align() { d.off = (d.off + 3) &^ 3 }

func (d *decoder) cstring() (string, error) {
	end := bytes.IndexByte(d.data[d.off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated node name", ErrMalformed)
	}
	s := string(d.data[d.off : d.off+end])
	d.off += end + 1
	d.align()
	return s, nil
}

func (d *decoder) prop() (Property, error) {
	length, err := d.u32()
	if err != nil {
		return Property{}, err
	}
	nameOff, err := d.u32()
	if err != nil {
		return Property{}, err
	}
	if uint64(d.off)+uint64(length) > uint64(len(d.data)) {
		return Property{}, fmt.Errorf("%w: property value truncated", ErrMalformed)
	}
	if uint64(nameOff) >= uint64(len(d.strs)) {
		return Property{}, fmt.Errorf("%w: property name offset %d", ErrMalformed, nameOff)
	}
	end := bytes.IndexByte(d.strs[nameOff:], 0)
	if end < 0 {
		return Property{}, fmt.Errorf("%w: unterminated property name", ErrMalformed)
	}
	p := Property{
		Name:  string(d.strs[nameOff : int(nameOff)+end]),
		Value: append([]byte(nil), d.data[d.off:d.off+int(length)]...),
	}
	d.off += int(length)
	d.align()
	return p, nil
}
