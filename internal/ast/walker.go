// Package ast implements C4, the AST Analyzer: it walks solc's decoded
// AST (model.ASTNode) per contract, partitions every callable's body
// into steps, builds the variable scope graph, and emits the ordered
// hook plan C5 rewrites source against.
//
// There is nothing in the retrieval pack that walks a Solidity AST, so
// the walker here is hand-rolled against model.ASTNode's generic
// decoded-node shape (see DESIGN.md: "AST walker — standard library
// only, justified"); its recursive-descent structure and id allocation
// follow the same plain-Go-struct-walking style the teacher uses for
// its own vm/interpreter.go jump table (a big explicit switch over a
// discriminator field, one case per node kind).
package ast

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ethdbg/edb/internal/model"
)

// scopeEntry tracks one identifier's lexical lifetime while the walker
// descends a callable body; flushed into a model.Variable once both its
// enter and exit step are known.
type scopeEntry struct {
	id        int
	name      string
	kind      model.VariableKind
	typ       string
	enterStep int
}

// analyzer holds the mutable state accumulated while walking a single
// contract's callables.
type analyzer struct {
	path string

	steps     []model.Step
	variables []model.Variable
	hooks     []model.HookPoint

	nextStepID int
	nextVarID  int

	// scopes is a stack of lexical blocks; each frame holds the
	// variables declared directly in it, popped (and closed out) when
	// the block ends.
	scopes [][]*scopeEntry
}

// Analyze walks every function/modifier/constructor/free-function
// definition in root and returns the steps, variables and hook plan for
// the whole contract (spec.md §4.4 responsibilities 1-5).
func Analyze(path string, root *model.ASTNode) ([]model.Step, []model.Variable, []model.HookPoint) {
	a := &analyzer{path: path}
	a.walkTopLevel(root)
	return a.steps, a.variables, a.hooks
}

// walkTopLevel descends from a file's SourceUnit root through any
// ContractDefinition (or library/interface) wrappers to reach the
// callables directly, so Analyze can be handed either a whole source
// file's root or a single contract node interchangeably.
func (a *analyzer) walkTopLevel(n *model.ASTNode) {
	for _, child := range n.Children {
		switch {
		case isCallable(child):
			a.walkCallable(child)
		case isContractContainer(child):
			a.walkTopLevel(child)
		}
	}
}

func isCallable(n *model.ASTNode) bool {
	switch n.NodeType {
	case "FunctionDefinition", "ModifierDefinition":
		return true
	default:
		return false
	}
}

func isContractContainer(n *model.ASTNode) bool {
	switch n.NodeType {
	case "ContractDefinition":
		return true
	default:
		return false
	}
}

func functionID(n *model.ASTNode) int { return n.ID }

func (a *analyzer) pushScope()   { a.scopes = append(a.scopes, nil) }
func (a *analyzer) currentFrame() []*scopeEntry {
	if len(a.scopes) == 0 {
		return nil
	}
	return a.scopes[len(a.scopes)-1]
}
func (a *analyzer) declare(name string, kind model.VariableKind, typ string, enterStep int) *scopeEntry {
	e := &scopeEntry{id: a.nextVarID, name: name, kind: kind, typ: typ, enterStep: enterStep}
	a.nextVarID++
	if len(a.scopes) == 0 {
		a.pushScope()
	}
	top := len(a.scopes) - 1
	a.scopes[top] = append(a.scopes[top], e)
	return e
}

// popScope closes every variable declared in the current frame: it
// exits at exitStep, "the step that is the first statement after the
// lexical block ends" (spec.md §4.4 variable-in-scope semantics).
func (a *analyzer) popScope(exitStep int) {
	if len(a.scopes) == 0 {
		return
	}
	top := len(a.scopes) - 1
	frame := a.scopes[top]
	a.scopes = a.scopes[:top]
	for _, e := range frame {
		a.variables = append(a.variables, model.Variable{
			ID:        e.id,
			Name:      e.name,
			Kind:      e.kind,
			Type:      e.typ,
			EnterStep: e.enterStep,
			ExitStep:  exitStep,
		})
		a.leaveScopeHook(exitStep, e.id)
	}
}

// newStep allocates a step at the given source offset/length, attaches
// it to fnID, and emits the HookBeforeStep hook plan entry for it
// (spec.md §4.4 responsibility 5: hook plan is emitted alongside steps).
func (a *analyzer) newStep(fnID int, offset, length int) int {
	id := a.nextStepID
	a.nextStepID++
	a.steps = append(a.steps, model.Step{
		ID:         id,
		Path:       a.path,
		Offset:     offset,
		Length:     length,
		FunctionID: fnID,
	})
	a.hooks = append(a.hooks, model.HookPoint{
		SourceOffset: offset,
		Kind:         model.HookBeforeStep,
		PayloadID:    id,
	})
	return id
}

func (a *analyzer) enterScopeHook(stepID, varID int) {
	a.steps[stepID].EntersScope = append(a.steps[stepID].EntersScope, varID)
	a.hooks = append(a.hooks, model.HookPoint{
		SourceOffset: a.steps[stepID].Offset,
		Kind:         model.HookVariableInScope,
		PayloadID:    varID,
	})
}

func (a *analyzer) leaveScopeHook(stepID, varID int) {
	a.steps[stepID].LeavesScope = append(a.steps[stepID].LeavesScope, varID)
	a.hooks = append(a.hooks, model.HookPoint{
		SourceOffset: a.steps[stepID].Offset,
		Kind:         model.HookVariableOutOfScope,
		PayloadID:    varID,
	})
}

// lookupVar resolves name against the in-progress scope stack, innermost
// frame first, so an assignment target always binds to the nearest
// (possibly shadowing) declaration.
func (a *analyzer) lookupVar(name string) *scopeEntry {
	for i := len(a.scopes) - 1; i >= 0; i-- {
		frame := a.scopes[i]
		for j := len(frame) - 1; j >= 0; j-- {
			if frame[j].name == name {
				return frame[j]
			}
		}
	}
	return nil
}

// variableUpdateHook emits VariableUpdate(varID) at offset, which the
// caller places after the assignment's own code so the hook observes the
// post-assignment value (spec.md §8 scenario 3: BeforeStep(x+=2) precedes
// VariableUpdate(x), not the other way around).
func (a *analyzer) variableUpdateHook(offset, varID int) {
	a.hooks = append(a.hooks, model.HookPoint{
		SourceOffset: offset,
		Kind:         model.HookVariableUpdate,
		PayloadID:    varID,
	})
}

// emitVariableUpdateIfAssignment detects a plain or compound assignment
// (solc represents both "=" and "+=", "-=", ... as an Assignment node
// distinguished only by its operator attribute) to an already-declared
// identifier and emits VariableUpdate for it. Assignment targets other
// than a bare identifier (member access, index access) are left alone:
// the walker has no slot to resolve them to, so it silently skips them
// the same way it skips unresolvable tuple-destructuring slots elsewhere.
func (a *analyzer) emitVariableUpdateIfAssignment(stmtEnd int, expr *model.ASTNode) {
	if expr == nil || expr.NodeType != "Assignment" {
		return
	}
	lhs := fieldNode(expr, "leftHandSide")
	if lhs == nil || lhs.NodeType != "Identifier" {
		return
	}
	name, _ := lhs.Attributes["name"].(string)
	if name == "" {
		return
	}
	e := a.lookupVar(name)
	if e == nil {
		return
	}
	a.variableUpdateHook(stmtEnd, e.id)
}

func (a *analyzer) walkCallable(fn *model.ASTNode) {
	fnID := functionID(fn)
	a.pushScope()

	body := fieldNode(fn, "body")
	entryOffset, entryLen := srcOf(fn)
	entryStep := a.newStep(fnID, entryOffset, entryLen)

	for _, p := range paramsOf(fn, "parameters") {
		name, typ := declNameType(p)
		if name == "" {
			continue // unnamed parameters don't enter the scope graph
		}
		e := a.declare(name, model.VarParameter, typ, entryStep)
		a.enterScopeHook(entryStep, e.id)
	}
	for _, r := range paramsOf(fn, "returnParameters") {
		name, typ := declNameType(r)
		kind := model.VarLocal
		if name == "" {
			continue // unnamed returns are tracked only when referenced by name
		}
		_ = kind
		e := a.declare(name, model.VarUnnamedReturn, typ, entryStep)
		a.enterScopeHook(entryStep, e.id)
	}

	if body != nil {
		a.walkBlock(fnID, body)
	}
	a.popScope(entryStep)
}

// walkBlock partitions a Block's statements into one step per statement
// (spec.md §4.4: "between statements of a block"), recursing into each
// statement for its own internal boundaries.
func (a *analyzer) walkBlock(fnID int, block *model.ASTNode) {
	a.pushScope()
	stmts := childArray(block, "statements")
	var lastStep int
	for _, stmt := range stmts {
		lastStep = a.walkStatement(fnID, stmt)
	}
	a.popScope(lastStep)
}

// walkStatement dispatches on node type, returning the id of the step
// that begins the statement (used by the caller as the scope-exit point
// when the statement is the last in its block).
func (a *analyzer) walkStatement(fnID int, stmt *model.ASTNode) int {
	off, ln := srcOf(stmt)
	step := a.newStep(fnID, off, ln)

	switch stmt.NodeType {
	case "VariableDeclarationStatement":
		a.walkVarDeclStatement(step, stmt)
	case "Block", "UncheckedBlock":
		// unchecked{} partitions exactly like a normal block (spec.md
		// §4.4 edge case): reuse walkBlock, anchored on its own step.
		a.walkBlock(fnID, stmt)
	case "IfStatement":
		a.walkIf(fnID, stmt)
	case "WhileStatement":
		a.walkWhile(fnID, stmt)
	case "ForStatement":
		a.walkFor(fnID, stmt)
	case "TryStatement":
		a.walkTry(fnID, stmt)
	case "ExpressionStatement":
		expr := fieldNode(stmt, "expression")
		a.walkExpression(fnID, step, expr)
		a.emitVariableUpdateIfAssignment(off+ln, expr)
	case "Return", "RevertStatement", "EmitStatement":
		// "at return, revert, emit... entry" (spec.md §4.4): the
		// statement's own step already covers entry; arguments are
		// still walked for nested call steps.
		a.walkExpression(fnID, step, fieldNode(stmt, "expression"))
	case "PlaceholderStatement":
		// modifier "_;": the analyzer records the link but does not
		// duplicate the called function's steps (spec.md §4.4 edge
		// case); nothing further to emit here.
	}
	return step
}

func (a *analyzer) walkVarDeclStatement(step int, stmt *model.ASTNode) {
	decls := childArray(stmt, "declarations")
	// Tuple destructuring: every named slot is its own variable,
	// entering scope at this same step once the RHS has been evaluated
	// (spec.md §4.4: "enters scope... after the declaration's RHS is
	// evaluated").
	for _, d := range decls {
		if d == nil {
			continue // a skipped slot in "(a, , c) = ..."
		}
		name, typ := declNameType(d)
		if name == "" {
			continue
		}
		e := a.declare(name, model.VarLocal, typ, step)
		a.enterScopeHook(step, e.id)
	}
}

func (a *analyzer) walkExpression(fnID, step int, expr *model.ASTNode) {
	if expr == nil {
		return
	}
	switch expr.NodeType {
	case "FunctionCall":
		// "before each argument of an external call evaluation in
		// declaration order" (spec.md §4.4): each argument that is
		// itself a call gets its own step; simple literals/identifiers
		// don't need one since they have no side effects to isolate.
		for _, arg := range childArray(expr, "arguments") {
			if arg != nil && hasCallSubexpression(arg) {
				off, ln := srcOf(arg)
				a.newStep(fnID, off, ln)
				a.walkExpression(fnID, a.steps[len(a.steps)-1].ID, arg)
			}
		}
	case "Conditional":
		// ternary: condition is its own step (spec.md: "before a
		// condition evaluation in if/while/for/ternary").
		cond := fieldNode(expr, "condition")
		if cond != nil {
			off, ln := srcOf(cond)
			a.newStep(fnID, off, ln)
		}
	case "BinaryOperation":
		if op, _ := expr.Attributes["operator"].(string); op == "&&" || op == "||" {
			// short-circuit: LHS is one step, RHS a separate step run
			// only on the value-dependent branch (spec.md §4.4).
			lhs := fieldNode(expr, "leftExpression")
			rhs := fieldNode(expr, "rightExpression")
			if lhs != nil {
				off, ln := srcOf(lhs)
				a.newStep(fnID, off, ln)
			}
			if rhs != nil {
				off, ln := srcOf(rhs)
				a.newStep(fnID, off, ln)
			}
		}
	}
}

// hasCallSubexpression reports whether expr contains a FunctionCall
// anywhere in its subtree, used to decide whether an argument needs its
// own pre-evaluation step.
func hasCallSubexpression(expr *model.ASTNode) bool {
	if expr.NodeType == "FunctionCall" {
		return true
	}
	for _, c := range expr.Children {
		if hasCallSubexpression(c) {
			return true
		}
	}
	return false
}

func (a *analyzer) walkIf(fnID int, stmt *model.ASTNode) {
	cond := fieldNode(stmt, "condition")
	if cond != nil {
		off, ln := srcOf(cond)
		a.newStep(fnID, off, ln)
	}
	if body := fieldNode(stmt, "trueBody"); body != nil {
		a.walkBranch(fnID, body)
	}
	if els := fieldNode(stmt, "falseBody"); els != nil {
		a.walkBranch(fnID, els)
	}
}

// walkBranch walks a statement that may or may not itself be a Block
// (solc represents a single-statement if-branch without wrapping it).
func (a *analyzer) walkBranch(fnID int, n *model.ASTNode) {
	if n.NodeType == "Block" || n.NodeType == "UncheckedBlock" {
		a.walkBlock(fnID, n)
		return
	}
	a.walkStatement(fnID, n)
}

func (a *analyzer) walkWhile(fnID int, stmt *model.ASTNode) {
	cond := fieldNode(stmt, "condition")
	if cond != nil {
		off, ln := srcOf(cond)
		a.newStep(fnID, off, ln)
	}
	if body := fieldNode(stmt, "body"); body != nil {
		a.walkBranch(fnID, body)
	}
}

// walkFor implements "init (one step), then iteration k: cond, body,
// post" (spec.md §4.4). The walker only emits the static step skeleton
// once; the server replays it per dynamic iteration at snapshot time by
// revisiting the same step ids, matching spec.md §3's step/snapshot
// distinction (a step can own many snapshots).
func (a *analyzer) walkFor(fnID int, stmt *model.ASTNode) {
	a.pushScope()
	var lastStep int
	if init := fieldNode(stmt, "initializationExpression"); init != nil {
		lastStep = a.walkStatement(fnID, init)
	}
	if cond := fieldNode(stmt, "condition"); cond != nil {
		off, ln := srcOf(cond)
		lastStep = a.newStep(fnID, off, ln)
	}
	if body := fieldNode(stmt, "body"); body != nil {
		a.walkBranch(fnID, body)
	}
	if post := fieldNode(stmt, "loopExpression"); post != nil {
		off, ln := srcOf(post)
		lastStep = a.newStep(fnID, off, ln)
	}
	a.popScope(lastStep)
}

func (a *analyzer) walkTry(fnID int, stmt *model.ASTNode) {
	// "at return, revert, emit, try, and catch entry" (spec.md §4.4).
	off, ln := srcOf(stmt)
	a.newStep(fnID, off, ln)
	if body := fieldNode(stmt, "externalCall"); body != nil {
		a.walkExpression(fnID, 0, body)
	}
	for _, clause := range childArray(stmt, "clauses") {
		if clause == nil {
			continue
		}
		a.pushScope()
		coff, cln := srcOf(clause)
		cstep := a.newStep(fnID, coff, cln)
		for _, p := range paramsOf(clause, "parameters") {
			name, typ := declNameType(p)
			if name == "" {
				continue
			}
			e := a.declare(name, model.VarCatchParameter, typ, cstep)
			a.enterScopeHook(cstep, e.id)
		}
		if block := fieldNode(clause, "block"); block != nil {
			a.walkBlock(fnID, block)
		}
		a.popScope(cstep)
	}
}

// --- generic ASTNode field helpers --------------------------------------

func fieldNode(n *model.ASTNode, key string) *model.ASTNode {
	if n == nil {
		return nil
	}
	if v, ok := n.Attributes[key]; ok {
		if node, ok := v.(*model.ASTNode); ok {
			return node
		}
	}
	for _, c := range n.Children {
		if c != nil && c.NodeType == key {
			return c
		}
	}
	return nil
}

func childArray(n *model.ASTNode, key string) []*model.ASTNode {
	if n == nil {
		return nil
	}
	if v, ok := n.Attributes[key]; ok {
		if nodes, ok := v.([]*model.ASTNode); ok {
			return nodes
		}
	}
	return n.Children
}

func paramsOf(n *model.ASTNode, key string) []*model.ASTNode {
	container := fieldNode(n, key)
	if container == nil {
		return nil
	}
	return childArray(container, "parameters")
}

func declNameType(n *model.ASTNode) (name, typ string) {
	if n == nil {
		return "", ""
	}
	if v, ok := n.Attributes["name"].(string); ok {
		name = v
	}
	// typeDescriptions is itself a nested node ({"typeString": "...",
	// "typeIdentifier": "..."}), not a bare string -- solc always emits
	// it as an object.
	if td, ok := n.Attributes["typeDescriptions"].(*model.ASTNode); ok {
		if v, ok := td.Attributes["typeString"].(string); ok {
			typ = v
		}
	}
	return name, typ
}

// srcOf decodes solc's "start:length:fileIndex" src string.
func srcOf(n *model.ASTNode) (offset, length int) {
	if n == nil {
		return 0, 0
	}
	parts := strings.SplitN(n.Src, ":", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	offset, _ = strconv.Atoi(parts[0])
	length, _ = strconv.Atoi(parts[1])
	return offset, length
}

// SortHookPlan returns the hook plan ordered by source offset, ascending.
// compile.Rewrite does not take this order as input: it sorts its own
// copy by descending offset.
func SortHookPlan(hooks []model.HookPoint) []model.HookPoint {
	out := append([]model.HookPoint(nil), hooks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SourceOffset < out[j].SourceOffset })
	return out
}
