package hiddesc

import (
	"fmt"
	"math"
	"sort"
)

// Reconstruct synthesizes a report descriptor byte sequence equivalent to the
// one the parsed capability table pd was derived from.
//
// The table only stores where each field lives inside its report, not the
// declaration order of the original descriptor. Order is recovered from bit
// positions: within one (report id, report type) pair, bit position grows
// monotonically with declaration order. Constant padding between fields and
// at report tails is not represented in the table at all and is synthesized.
func Reconstruct(pd *PreparsedData) ([]byte, error) {
	if pd == nil || len(pd.LinkCollections) == 0 {
		return nil, fmt.Errorf("%w: empty capability table", ErrMalformedDescriptor)
	}
	r := &reconstructor{
		pd:     pd,
		ranges: make(map[rangeKey]bitRange),
	}
	if err := r.computeTree(); err != nil {
		return nil, err
	}
	r.computeBitRanges()
	r.mergeRangesUp()
	r.orderChildren()
	r.buildCollectionList()
	if err := r.insertCaps(); err != nil {
		return nil, err
	}
	r.insertPadding()
	return r.encode(), nil
}

type reconNodeType uint8

const (
	nodeItem reconNodeType = iota
	nodePadding
	nodeCollection
	nodeCollectionEnd
)

// reconNode is one entry of the ordered main-item list. Nodes live in a flat
// arena and link to their successor by index, so insertions never move
// existing nodes.
type reconNode struct {
	typ      reconNodeType
	firstBit int
	lastBit  int
	rt       ReportType
	reportID uint8
	coll     int
	// capStart..capEnd is the inclusive capability run backing an item node.
	// A run longer than one capability is an alias chain sharing one bit
	// field; exactly the last member has IsAlias unset.
	capStart int
	capEnd   int
	next     int
}

type rangeKey struct {
	coll     int
	reportID uint8
	rt       ReportType
}

type bitRange struct {
	first, last int
}

type reportKey struct {
	rt       ReportType
	reportID uint8
}

type reconstructor struct {
	pd *PreparsedData

	nodes []reconNode
	head  int

	ranges  map[rangeKey]bitRange
	reports []reportKey // distinct (report type, report id) pairs, sorted

	level    []int
	maxLevel int
	children [][]int

	collBegin []int // node index of each collection's begin marker
	collEnd   []int // node index of each collection's end marker
}

// computeTree assigns a depth level to every collection and collects direct
// children per collection by walking FirstChild/NextSibling chains from the
// root. A chain that revisits nodes or escapes the array bounds means the
// table is not a tree.
func (r *reconstructor) computeTree() error {
	n := len(r.pd.LinkCollections)
	r.level = make([]int, n)
	r.children = make([][]int, n)

	visited := make([]bool, n)
	visited[0] = true
	stack := []int{0}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := &r.pd.LinkCollections[c]
		for child := int(node.FirstChild); child != 0; {
			if child < 0 || child >= n || visited[child] {
				return fmt.Errorf("%w: collection tree is cyclic or out of bounds", ErrMalformedDescriptor)
			}
			visited[child] = true
			r.level[child] = r.level[c] + 1
			if r.level[child] > r.maxLevel {
				r.maxLevel = r.level[child]
			}
			r.children[c] = append(r.children[c], child)
			stack = append(stack, child)
			child = int(r.pd.LinkCollections[child].NextSibling)
		}
	}
	return nil
}

// computeBitRanges covers step 1: per (collection, report id, report type),
// the bit span directly covered by capabilities mapped to it.
func (r *reconstructor) computeBitRanges() {
	seen := make(map[reportKey]bool)
	for rt := ReportType(0); rt < numReportTypes; rt++ {
		for i := range r.pd.Caps[rt] {
			c := &r.pd.Caps[rt][i]
			key := rangeKey{coll: int(c.LinkCollection), reportID: c.ReportID, rt: rt}
			r.mergeRange(key, c.firstBit(), c.lastBit())
			rk := reportKey{rt: rt, reportID: c.ReportID}
			if !seen[rk] {
				seen[rk] = true
				r.reports = append(r.reports, rk)
			}
		}
	}
	sort.Slice(r.reports, func(i, j int) bool {
		if r.reports[i].rt != r.reports[j].rt {
			return r.reports[i].rt < r.reports[j].rt
		}
		return r.reports[i].reportID < r.reports[j].reportID
	})
}

func (r *reconstructor) mergeRange(key rangeKey, first, last int) {
	if br, ok := r.ranges[key]; ok {
		if first < br.first {
			br.first = first
		}
		if last > br.last {
			br.last = last
		}
		r.ranges[key] = br
	} else {
		r.ranges[key] = bitRange{first: first, last: last}
	}
}

// mergeRangesUp covers step 3: bottom-up, every collection's ranges are
// folded into its parent so that parents span their whole subtree.
func (r *reconstructor) mergeRangesUp() {
	for lvl := r.maxLevel; lvl >= 1; lvl-- {
		for coll := range r.pd.LinkCollections {
			if r.level[coll] != lvl {
				continue
			}
			parent := int(r.pd.LinkCollections[coll].Parent)
			for _, rk := range r.reports {
				key := rangeKey{coll: coll, reportID: rk.reportID, rt: rk.rt}
				if br, ok := r.ranges[key]; ok {
					r.mergeRange(rangeKey{coll: parent, reportID: rk.reportID, rt: rk.rt}, br.first, br.last)
				}
			}
		}
	}
}

// orderChildren covers step 4: siblings are visited in order of their first
// covered bit, which reconstructs the original declaration order. Children
// without any covered bits keep their relative position at the end.
func (r *reconstructor) orderChildren() {
	for coll := range r.children {
		if len(r.children[coll]) < 2 {
			continue
		}
		firstBitOf := func(child int) int {
			first := math.MaxInt
			for _, rk := range r.reports {
				if br, ok := r.ranges[rangeKey{coll: child, reportID: rk.reportID, rt: rk.rt}]; ok && br.first < first {
					first = br.first
				}
			}
			return first
		}
		sort.SliceStable(r.children[coll], func(i, j int) bool {
			return firstBitOf(r.children[coll][i]) < firstBitOf(r.children[coll][j])
		})
	}
}

func (r *reconstructor) appendNode(n reconNode) int {
	n.next = -1
	r.nodes = append(r.nodes, n)
	idx := len(r.nodes) - 1
	if idx > 0 {
		r.nodes[idx-1].next = idx
	}
	return idx
}

// buildCollectionList covers step 5: the ordered skeleton of Collection and
// CollectionEnd boundary markers, visiting children in the recovered order.
func (r *reconstructor) buildCollectionList() {
	n := len(r.pd.LinkCollections)
	r.collBegin = make([]int, n)
	r.collEnd = make([]int, n)
	r.head = 0
	var walk func(coll int)
	walk = func(coll int) {
		r.collBegin[coll] = r.appendNode(reconNode{typ: nodeCollection, coll: coll, firstBit: -1, lastBit: -1})
		for _, child := range r.children[coll] {
			walk(child)
		}
		r.collEnd[coll] = r.appendNode(reconNode{typ: nodeCollectionEnd, coll: coll, firstBit: -1, lastBit: -1})
	}
	walk(0)
}

// insertAfter links a fresh node into the list right after node idx.
func (r *reconstructor) insertAfter(idx int, n reconNode) int {
	n.next = r.nodes[idx].next
	r.nodes = append(r.nodes, n)
	ni := len(r.nodes) - 1
	r.nodes[idx].next = ni
	return ni
}

// insertCaps covers step 6: every capability (or alias run sharing one bit
// field) becomes a leaf node, placed by scanning forward from its owning
// collection's begin marker for the first node whose covered bits start at or
// after the capability's first bit. Child collections whose merged range for
// the same report lies entirely before the capability are skipped as a whole.
func (r *reconstructor) insertCaps() error {
	for rt := ReportType(0); rt < numReportTypes; rt++ {
		caps := r.pd.Caps[rt]
		for i := 0; i < len(caps); i++ {
			start := i
			for i < len(caps) && caps[i].IsAlias {
				i++
			}
			if i >= len(caps) {
				return fmt.Errorf("%w: alias chain without terminating capability", ErrMalformedDescriptor)
			}
			c := &caps[i]
			coll := int(c.LinkCollection)
			if coll < 0 || coll >= len(r.collBegin) {
				return fmt.Errorf("%w: capability references unknown collection %d", ErrMalformedDescriptor, coll)
			}
			node := reconNode{
				typ:      nodeItem,
				firstBit: c.firstBit(),
				lastBit:  c.lastBit(),
				rt:       rt,
				reportID: c.ReportID,
				coll:     coll,
				capStart: start,
				capEnd:   i,
			}
			r.insertLeaf(coll, node)
		}
	}
	return nil
}

func (r *reconstructor) insertLeaf(coll int, node reconNode) {
	cur := r.collBegin[coll]
	for {
		nxt := r.nodes[cur].next
		if nxt == -1 {
			break
		}
		nn := &r.nodes[nxt]
		if nn.typ == nodeCollectionEnd && nn.coll == coll {
			break // own end marker: append here
		}
		if nn.typ == nodeCollection {
			// A nested child: it belongs before us only if its subtree covers
			// bits at or beyond our first bit for the same report.
			br, ok := r.ranges[rangeKey{coll: nn.coll, reportID: node.reportID, rt: node.rt}]
			if ok && br.last >= node.firstBit {
				break
			}
			cur = r.collEnd[nn.coll]
			continue
		}
		if (nn.typ == nodeItem || nn.typ == nodePadding) &&
			nn.rt == node.rt && nn.reportID == node.reportID && nn.lastBit >= node.firstBit {
			break
		}
		cur = nxt
	}
	r.insertAfter(cur, node)
}

// insertPadding covers step 7: synthetic constant fields for every bit gap
// between consecutive leaf nodes of one (report id, report type), plus
// trailing padding up to the next byte boundary at each report's end.
func (r *reconstructor) insertPadding() {
	for _, rk := range r.reports {
		prevLast := -1
		lastLeaf := -1
		prev := -1
		for cur := r.head; cur != -1; cur = r.nodes[cur].next {
			n := r.nodes[cur]
			if n.typ == nodeItem && n.rt == rk.rt && n.reportID == rk.reportID {
				if n.firstBit > prevLast+1 && prev != -1 {
					r.insertAfter(prev, reconNode{
						typ:      nodePadding,
						firstBit: prevLast + 1,
						lastBit:  n.firstBit - 1,
						rt:       rk.rt,
						reportID: rk.reportID,
						capStart: -1,
						capEnd:   -1,
					})
				}
				if n.lastBit > prevLast {
					prevLast = n.lastBit
				}
				lastLeaf = cur
			}
			prev = cur
		}
		if lastLeaf != -1 && (prevLast+1)%8 != 0 {
			padTo := (prevLast/8+1)*8 - 1
			r.insertAfter(lastLeaf, reconNode{
				typ:      nodePadding,
				firstBit: prevLast + 1,
				lastBit:  padTo,
				rt:       rk.rt,
				reportID: rk.reportID,
				capStart: -1,
				capEnd:   -1,
			})
		}
	}
}

// Encoder state. Global items are emitted only when the value differs from
// the last emitted value of that kind; stateUnset forces the first emission.
const stateUnset = math.MinInt64

type encodeState struct {
	buf []byte

	usagePage   int64
	logicalMin  int64
	logicalMax  int64
	physicalMin int64
	physicalMax int64
	unitExp     int64
	unit        int64
	reportSize  int64
	reportCount int64
	reportID    int64
}

func newEncodeState() *encodeState {
	return &encodeState{
		usagePage:   stateUnset,
		logicalMin:  stateUnset,
		logicalMax:  stateUnset,
		physicalMin: stateUnset,
		physicalMax: stateUnset,
		unitExp:     stateUnset,
		unit:        stateUnset,
		reportSize:  stateUnset,
		reportCount: stateUnset,
		reportID:    stateUnset,
	}
}

func (e *encodeState) global(tag uint8, state *int64, value int64, signed bool) {
	if *state == value {
		return
	}
	*state = value
	e.buf = shortItem(e.buf, tag, ItemTypeGlobal, value, signed)
}

// globalLazy behaves like global but suppresses an initial zero value:
// physical bounds and units are implicit zero until a descriptor touches
// them, and emitting them unprompted would change nothing but the bytes.
func (e *encodeState) globalLazy(tag uint8, state *int64, value int64, signed bool) {
	if *state == stateUnset && value == 0 {
		return
	}
	e.global(tag, state, value, signed)
}

func (e *encodeState) local(tag uint8, value int64) {
	e.buf = shortItem(e.buf, tag, ItemTypeLocal, value, false)
}

// encode covers step 8: walk the final node list and emit items, de-duplicating
// global state and coalescing identically shaped consecutive fields.
func (r *reconstructor) encode() []byte {
	e := newEncodeState()
	for cur := r.head; cur != -1; cur = r.nodes[cur].next {
		n := &r.nodes[cur]
		switch n.typ {
		case nodeCollection:
			coll := &r.pd.LinkCollections[n.coll]
			// The link usage page is scoped to the collection declaration and
			// deliberately does not update the de-duplication state: the
			// capability that follows re-establishes its own page.
			e.buf = shortItem(e.buf, TagUsagePage, ItemTypeGlobal, int64(coll.LinkUsagePage), false)
			e.local(TagUsage, int64(coll.LinkUsage))
			e.buf = shortItem(e.buf, TagCollection, ItemTypeMain, int64(coll.CollectionType), false)
		case nodeCollectionEnd:
			e.buf = shortItemEmpty(e.buf, TagEndCollection, ItemTypeMain)
		case nodePadding:
			if n.reportID != 0 {
				e.global(TagReportID, &e.reportID, int64(n.reportID), false)
			}
			e.global(TagReportSize, &e.reportSize, int64(n.lastBit-n.firstBit+1), false)
			e.global(TagReportCount, &e.reportCount, 1, false)
			e.buf = shortItem(e.buf, n.rt.mainItemTag(), ItemTypeMain, MainConstant|MainVariable, false)
		case nodeItem:
			cur = r.encodeItem(e, cur)
		}
	}
	return e.buf
}

// encodeItem emits one leaf field, folding any directly following nodes of
// identical shape into a single item with a summed report count. It returns
// the last node index consumed.
func (r *reconstructor) encodeItem(e *encodeState, idx int) int {
	n := &r.nodes[idx]
	caps := r.pd.Caps[n.rt]
	c := &caps[n.capEnd]

	count := int64(c.ReportCount)
	last := idx
	for nxt := n.next; nxt != -1; nxt = r.nodes[nxt].next {
		nn := &r.nodes[nxt]
		if nn.typ != nodeItem || nn.rt != n.rt || nn.reportID != n.reportID ||
			nn.capStart != nn.capEnd || n.capStart != n.capEnd {
			break
		}
		cc := &caps[nn.capEnd]
		if nn.firstBit != r.nodes[last].lastBit+1 || !sameShape(c, cc) {
			break
		}
		count += int64(cc.ReportCount)
		last = nxt
	}

	if c.ReportID != 0 {
		e.global(TagReportID, &e.reportID, int64(c.ReportID), false)
	}
	e.global(TagUsagePage, &e.usagePage, int64(c.UsagePage), false)

	if n.capStart < n.capEnd {
		// Alias chain: all usages share one bit field, wrapped in delimiters.
		// HID wants the most preferred usage first, which is the inverse of
		// the table order, so walk the run backwards.
		e.local(TagDelimiter, 1)
		for j := n.capEnd; j >= n.capStart; j-- {
			if caps[j].IsRange {
				e.local(TagUsageMinimum, int64(caps[j].UsageMin))
				e.local(TagUsageMaximum, int64(caps[j].UsageMax))
			} else {
				e.local(TagUsage, int64(caps[j].Usage))
			}
		}
		e.local(TagDelimiter, 0)
	} else if c.IsRange {
		e.local(TagUsageMinimum, int64(c.UsageMin))
		e.local(TagUsageMaximum, int64(c.UsageMax))
	} else {
		e.local(TagUsage, int64(c.Usage))
	}

	if c.IsStringRange {
		e.local(TagStringMinimum, int64(c.StringMin))
		e.local(TagStringMaximum, int64(c.StringMax))
	} else if c.StringIndex != 0 {
		e.local(TagStringIndex, int64(c.StringIndex))
	}
	if c.IsDesignatorRange {
		e.local(TagDesignatorMin, int64(c.DesignatorMin))
		e.local(TagDesignatorMax, int64(c.DesignatorMax))
	} else if c.DesignatorIndex != 0 {
		e.local(TagDesignatorIndex, int64(c.DesignatorIndex))
	}

	e.global(TagLogicalMinimum, &e.logicalMin, int64(c.LogicalMin), true)
	e.global(TagLogicalMaximum, &e.logicalMax, int64(c.LogicalMax), true)
	e.globalLazy(TagPhysicalMinimum, &e.physicalMin, int64(c.PhysicalMin), true)
	e.globalLazy(TagPhysicalMaximum, &e.physicalMax, int64(c.PhysicalMax), true)
	e.globalLazy(TagUnitExponent, &e.unitExp, int64(c.UnitsExp), false)
	e.globalLazy(TagUnit, &e.unit, int64(c.Units), false)

	e.global(TagReportSize, &e.reportSize, int64(c.ReportSize), false)
	e.global(TagReportCount, &e.reportCount, count, false)

	e.buf = shortItem(e.buf, n.rt.mainItemTag(), ItemTypeMain, int64(c.BitField), false)
	return last
}

// sameShape reports whether two capabilities would emit identical items apart
// from their position in the report, which makes them a single field with a
// larger report count.
func sameShape(a, b *Capability) bool {
	return a.UsagePage == b.UsagePage &&
		a.ReportID == b.ReportID &&
		a.BitField == b.BitField &&
		a.ReportSize == b.ReportSize &&
		a.ReportCount == b.ReportCount &&
		a.IsRange == b.IsRange &&
		a.IsButtonCap == b.IsButtonCap &&
		a.Usage == b.Usage &&
		a.UsageMin == b.UsageMin &&
		a.UsageMax == b.UsageMax &&
		a.IsStringRange == b.IsStringRange &&
		a.IsDesignatorRange == b.IsDesignatorRange &&
		a.StringIndex == b.StringIndex &&
		a.DesignatorIndex == b.DesignatorIndex &&
		a.LogicalMin == b.LogicalMin &&
		a.LogicalMax == b.LogicalMax &&
		a.PhysicalMin == b.PhysicalMin &&
		a.PhysicalMax == b.PhysicalMax &&
		a.Units == b.Units &&
		a.UnitsExp == b.UnitsExp
}
