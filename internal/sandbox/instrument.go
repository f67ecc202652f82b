package sandbox

import (
	"github.com/yuin/gopher-lua/ast"
)

// Names of the chunk locals holding the metering hooks. They are not valid
// Lua identifiers, so script code can neither reference nor shadow them.
const (
	tickLocal   = "(sandbox tick)"
	concatLocal = "(sandbox concat)"
)

// instrument rewrites a parsed chunk so the host observes the two places
// the interpreter allocates without calling out: string concatenation and
// unbounded repetition. Every `..` becomes a call to the concat hook, and
// every loop body, function body and goto first calls the tick hook. The
// chunk receives both hooks as its varargs.
func instrument(chunk []ast.Stmt) []ast.Stmt {
	prologue := &ast.LocalAssignStmt{
		Names: []string{tickLocal, concatLocal},
		Exprs: []ast.Expr{&ast.Comma3Expr{}},
	}
	return append([]ast.Stmt{prologue}, block(chunk)...)
}

func tickStmt(line int) ast.Stmt {
	fn := &ast.IdentExpr{Value: tickLocal}
	fn.SetLine(line)
	call := &ast.FuncCallExpr{Func: fn}
	call.SetLine(line)
	call.SetLastLine(line)
	s := &ast.FuncCallStmt{Expr: call}
	s.SetLine(line)
	s.SetLastLine(line)
	return s
}

// ticked instruments a loop or function body and prepends a tick.
func ticked(line int, stmts []ast.Stmt) []ast.Stmt {
	return append([]ast.Stmt{tickStmt(line)}, block(stmts)...)
}

func block(stmts []ast.Stmt) []ast.Stmt {
	out := make([]ast.Stmt, 0, len(stmts))
	for _, s := range stmts {
		if g, ok := s.(*ast.GotoStmt); ok {
			out = append(out, tickStmt(g.Line()))
		}
		out = append(out, stmt(s))
	}
	return out
}

func stmt(s ast.Stmt) ast.Stmt {
	switch s := s.(type) {
	case *ast.AssignStmt:
		exprs(s.Lhs)
		exprs(s.Rhs)
	case *ast.LocalAssignStmt:
		exprs(s.Exprs)
	case *ast.FuncCallStmt:
		s.Expr = expr(s.Expr)
	case *ast.DoBlockStmt:
		s.Stmts = block(s.Stmts)
	case *ast.WhileStmt:
		s.Condition = expr(s.Condition)
		s.Stmts = ticked(s.Line(), s.Stmts)
	case *ast.RepeatStmt:
		s.Condition = expr(s.Condition)
		s.Stmts = ticked(s.Line(), s.Stmts)
	case *ast.IfStmt:
		s.Condition = expr(s.Condition)
		s.Then = block(s.Then)
		s.Else = block(s.Else)
	case *ast.NumberForStmt:
		s.Init = expr(s.Init)
		s.Limit = expr(s.Limit)
		s.Step = expr(s.Step)
		s.Stmts = ticked(s.Line(), s.Stmts)
	case *ast.GenericForStmt:
		exprs(s.Exprs)
		s.Stmts = ticked(s.Line(), s.Stmts)
	case *ast.FuncDefStmt:
		function(s.Func)
	case *ast.ReturnStmt:
		exprs(s.Exprs)
	}
	return s
}

func exprs(list []ast.Expr) {
	for i, e := range list {
		list[i] = expr(e)
	}
}

func function(f *ast.FunctionExpr) {
	f.Stmts = ticked(f.Line(), f.Stmts)
}

func expr(e ast.Expr) ast.Expr {
	switch e := e.(type) {
	case nil:
		return nil
	case *ast.StringConcatOpExpr:
		fn := &ast.IdentExpr{Value: concatLocal}
		fn.SetLine(e.Line())
		call := &ast.FuncCallExpr{Func: fn, Args: []ast.Expr{expr(e.Lhs), expr(e.Rhs)}, AdjustRet: true}
		call.SetLine(e.Line())
		call.SetLastLine(e.LastLine())
		return call
	case *ast.AttrGetExpr:
		e.Object = expr(e.Object)
		e.Key = expr(e.Key)
	case *ast.TableExpr:
		for _, f := range e.Fields {
			f.Key = expr(f.Key)
			f.Value = expr(f.Value)
		}
	case *ast.FuncCallExpr:
		e.Func = expr(e.Func)
		e.Receiver = expr(e.Receiver)
		exprs(e.Args)
	case *ast.LogicalOpExpr:
		e.Lhs = expr(e.Lhs)
		e.Rhs = expr(e.Rhs)
	case *ast.RelationalOpExpr:
		e.Lhs = expr(e.Lhs)
		e.Rhs = expr(e.Rhs)
	case *ast.ArithmeticOpExpr:
		e.Lhs = expr(e.Lhs)
		e.Rhs = expr(e.Rhs)
	case *ast.UnaryMinusOpExpr:
		e.Expr = expr(e.Expr)
	case *ast.UnaryNotOpExpr:
		e.Expr = expr(e.Expr)
	case *ast.UnaryLenOpExpr:
		e.Expr = expr(e.Expr)
	case *ast.FunctionExpr:
		function(e)
	}
	return e
}
