package genapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gencam/gencam/formula"
)

// node is the compiled, arena-resident form of a feature. Nodes are addressed
// by their index into the node map's arena; the dependency graph is an
// adjacency list over those indices.
type node struct {
	name        string
	kind        NodeKind
	description string
	visibility  Visibility

	access        AccessMode
	availableWhen *formula.Expr
	lockedWhen    *formula.Expr

	constVal  *formula.Value
	constStr  *string
	valueExpr *formula.Expr
	reg       *register

	minExpr *formula.Expr
	maxExpr *formula.Expr
	incExpr *formula.Expr

	entries []EnumEntry

	commandValue int64
	pollOnDone   bool

	features []int

	// deps are the nodes this node's expressions reference; dependents is
	// the reverse adjacency; invalidates is the precomputed set of nodes
	// whose caches a write to this node must drop (self included).
	deps        []int
	dependents  []int
	invalidates []int

	// volatile is true when the node's value can change without a write
	// through this node map: its own register is non-cacheable, or a
	// transitive dependency's is. Volatile values are never cached.
	volatile bool
}

type register struct {
	addrExpr   *formula.Expr
	length     int
	endianness Endianness
	signed     bool
	mask       *BitRange
	cacheable  bool
}

// Builder assembles a node map from feature declarations. Declarations are
// only recorded; all parsing, linking and validation happens in Build, so a
// broken description surfaces as one aggregated error.
type Builder struct {
	decls []decl
}

type decl struct {
	name string
	kind NodeKind
	spec any
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Integer declares an integer feature.
func (b *Builder) Integer(n IntegerNode) *Builder {
	b.decls = append(b.decls, decl{n.Name, KindInteger, n})
	return b
}

// Float declares a float feature.
func (b *Builder) Float(n FloatNode) *Builder {
	b.decls = append(b.decls, decl{n.Name, KindFloat, n})
	return b
}

// String declares a string feature.
func (b *Builder) String(n StringNode) *Builder {
	b.decls = append(b.decls, decl{n.Name, KindString, n})
	return b
}

// Enumeration declares an enumeration feature.
func (b *Builder) Enumeration(n EnumerationNode) *Builder {
	b.decls = append(b.decls, decl{n.Name, KindEnumeration, n})
	return b
}

// Command declares a command feature.
func (b *Builder) Command(n CommandNode) *Builder {
	b.decls = append(b.decls, decl{n.Name, KindCommand, n})
	return b
}

// Register declares a raw register feature.
func (b *Builder) Register(n RegisterNode) *Builder {
	b.decls = append(b.decls, decl{n.Name, KindRegister, n})
	return b
}

// Category declares a grouping node.
func (b *Builder) Category(n CategoryNode) *Builder {
	b.decls = append(b.decls, decl{n.Name, KindCategory, n})
	return b
}

// BuildOption configures a node map at build time.
type BuildOption func(*NodeMap)

// WithLogger sets the node map's logger. The default discards output.
var WithLogger = func(log *slog.Logger) BuildOption {
	return func(m *NodeMap) {
		m.log = log
	}
}

// Build parses and links all declared nodes, validates the dependency graph
// (unknown references, cycles) and returns a node map bound to port.
func (b *Builder) Build(port Port, opts ...BuildOption) (*NodeMap, error) {
	c := &compiler{index: make(map[string]int, len(b.decls))}

	for _, d := range b.decls {
		if d.name == "" {
			c.errs = append(c.errs, fmt.Errorf("%w: empty node name", ErrInvalidNode))
			continue
		}
		if _, ok := c.index[d.name]; ok {
			c.errs = append(c.errs, fmt.Errorf("%w: %q", ErrNodeAlreadyExists, d.name))
			continue
		}
		c.index[d.name] = len(c.nodes)
		c.nodes = append(c.nodes, &node{name: d.name, kind: d.kind})
	}

	for _, d := range b.decls {
		id, ok := c.index[d.name]
		if !ok || c.nodes[id].kind != d.kind {
			continue
		}
		c.compile(id, d.spec)
	}

	c.link()

	if len(c.errs) > 0 {
		return nil, errors.Join(c.errs...)
	}

	if err := detectCycles(c.nodes); err != nil {
		return nil, err
	}
	computeInvalidationSets(c.nodes)
	computeVolatility(c.nodes)

	m := &NodeMap{
		nodes: c.nodes,
		index: c.index,
		cache: make([]cacheEntry, len(c.nodes)),
		port:  port,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

type compiler struct {
	nodes []*node
	index map[string]int
	errs  []error
}

func (c *compiler) compile(id int, spec any) {
	n := c.nodes[id]

	switch s := spec.(type) {
	case IntegerNode:
		n.description = s.Description
		n.visibility = s.Visibility
		c.compileAccess(n, s.Access)
		sources := 0
		if s.Const != nil {
			v := formula.Int64(*s.Const)
			n.constVal = &v
			sources++
		}
		if s.Formula != "" {
			n.valueExpr = c.parse(n.name, "Formula", s.Formula)
			sources++
		}
		if s.Register != nil {
			n.reg = c.compileRegister(n.name, s.Register)
			sources++
		}
		if sources != 1 {
			c.errs = append(c.errs, fmt.Errorf("%w: %q needs exactly one of Const, Formula, Register", ErrInvalidNode, n.name))
		}
		n.minExpr = c.parseOptional(n.name, "Min", s.Min)
		n.maxExpr = c.parseOptional(n.name, "Max", s.Max)
		n.incExpr = c.parseOptional(n.name, "Inc", s.Inc)

	case FloatNode:
		n.description = s.Description
		n.visibility = s.Visibility
		c.compileAccess(n, s.Access)
		sources := 0
		if s.Const != nil {
			v := formula.Float64(*s.Const)
			n.constVal = &v
			sources++
		}
		if s.Formula != "" {
			n.valueExpr = c.parse(n.name, "Formula", s.Formula)
			sources++
		}
		if s.Register != nil {
			n.reg = c.compileRegister(n.name, s.Register)
			if s.Register.Length != 4 && s.Register.Length != 8 {
				c.errs = append(c.errs, fmt.Errorf("%w: %q float register length must be 4 or 8", ErrInvalidNode, n.name))
			}
			sources++
		}
		if sources != 1 {
			c.errs = append(c.errs, fmt.Errorf("%w: %q needs exactly one of Const, Formula, Register", ErrInvalidNode, n.name))
		}
		n.minExpr = c.parseOptional(n.name, "Min", s.Min)
		n.maxExpr = c.parseOptional(n.name, "Max", s.Max)

	case StringNode:
		n.description = s.Description
		n.visibility = s.Visibility
		c.compileAccess(n, s.Access)
		switch {
		case s.Const != nil && s.Register == nil:
			n.constStr = s.Const
		case s.Const == nil && s.Register != nil:
			n.reg = c.compileRegister(n.name, s.Register)
		default:
			c.errs = append(c.errs, fmt.Errorf("%w: %q needs exactly one of Const, Register", ErrInvalidNode, n.name))
		}

	case EnumerationNode:
		n.description = s.Description
		n.visibility = s.Visibility
		c.compileAccess(n, s.Access)
		if len(s.Entries) == 0 {
			c.errs = append(c.errs, fmt.Errorf("%w: %q enumeration needs entries", ErrInvalidNode, n.name))
		}
		seen := make(map[string]struct{}, len(s.Entries))
		for _, e := range s.Entries {
			if _, dup := seen[e.Name]; dup {
				c.errs = append(c.errs, fmt.Errorf("%w: %q duplicate enum entry %q", ErrInvalidNode, n.name, e.Name))
			}
			seen[e.Name] = struct{}{}
		}
		n.entries = append([]EnumEntry(nil), s.Entries...)
		switch {
		case s.Formula != "" && s.Register == nil:
			n.valueExpr = c.parse(n.name, "Formula", s.Formula)
		case s.Formula == "" && s.Register != nil:
			n.reg = c.compileRegister(n.name, s.Register)
		default:
			c.errs = append(c.errs, fmt.Errorf("%w: %q needs exactly one of Formula, Register", ErrInvalidNode, n.name))
		}

	case CommandNode:
		n.description = s.Description
		n.visibility = s.Visibility
		c.compileAccess(n, s.Access)
		if s.Register == nil {
			c.errs = append(c.errs, fmt.Errorf("%w: %q command needs a register", ErrInvalidNode, n.name))
		} else {
			n.reg = c.compileRegister(n.name, s.Register)
		}
		n.commandValue = s.CommandValue
		n.pollOnDone = s.PollOnDone

	case RegisterNode:
		n.description = s.Description
		n.visibility = s.Visibility
		c.compileAccess(n, s.Access)
		if s.Register == nil {
			c.errs = append(c.errs, fmt.Errorf("%w: %q needs a register", ErrInvalidNode, n.name))
		} else {
			n.reg = c.compileRegister(n.name, s.Register)
		}

	case CategoryNode:
		n.description = s.Description
		n.visibility = s.Visibility
		n.access = AccessReadOnly
		for _, feature := range s.Features {
			fid, ok := c.index[feature]
			if !ok {
				c.errs = append(c.errs, fmt.Errorf("%w: category %q feature %q", ErrUnknownReference, n.name, feature))
				continue
			}
			n.features = append(n.features, fid)
		}
	}
}

func (c *compiler) compileAccess(n *node, spec AccessSpec) {
	n.access = spec.Mode
	n.availableWhen = c.parseOptional(n.name, "AvailableWhen", spec.AvailableWhen)
	n.lockedWhen = c.parseOptional(n.name, "LockedWhen", spec.LockedWhen)
}

func (c *compiler) compileRegister(name string, spec *RegisterSpec) *register {
	if spec.Length <= 0 {
		c.errs = append(c.errs, fmt.Errorf("%w: %q register length must be positive", ErrInvalidNode, name))
		return nil
	}
	if spec.Mask != nil && (spec.Mask.MSB > 63 || spec.Mask.LSB > spec.Mask.MSB) {
		c.errs = append(c.errs, fmt.Errorf("%w: %q register mask LSB..MSB out of order", ErrInvalidNode, name))
		return nil
	}
	return &register{
		addrExpr:   c.parse(name, "Address", spec.Address),
		length:     int(spec.Length),
		endianness: spec.Endianness,
		signed:     spec.Signed,
		mask:       spec.Mask,
		cacheable:  spec.Cacheable,
	}
}

func (c *compiler) parse(name, field, src string) *formula.Expr {
	expr, err := formula.Parse(src)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("node %q %s: %w", name, field, err))
		return nil
	}
	return expr
}

func (c *compiler) parseOptional(name, field, src string) *formula.Expr {
	if src == "" {
		return nil
	}
	return c.parse(name, field, src)
}

// link resolves expression identifiers to node indices and builds the
// adjacency lists. An edge dep -> node exists when the node's formulas
// reference dep, so a write to dep must invalidate the node.
func (c *compiler) link() {
	for id, n := range c.nodes {
		seen := make(map[int]struct{})
		for _, expr := range n.exprs() {
			for _, ident := range expr.Identifiers() {
				depID, ok := c.index[ident]
				if !ok {
					c.errs = append(c.errs, fmt.Errorf("%w: %q references %q", ErrUnknownReference, n.name, ident))
					continue
				}
				if _, dup := seen[depID]; dup {
					continue
				}
				seen[depID] = struct{}{}
				n.deps = append(n.deps, depID)
				c.nodes[depID].dependents = append(c.nodes[depID].dependents, id)
			}
		}
	}
}

// exprs returns every expression attached to the node, in a fixed order.
func (n *node) exprs() []*formula.Expr {
	all := []*formula.Expr{
		n.availableWhen, n.lockedWhen, n.valueExpr,
		n.minExpr, n.maxExpr, n.incExpr,
	}
	if n.reg != nil {
		all = append(all, n.reg.addrExpr)
	}
	out := all[:0]
	for _, e := range all {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
