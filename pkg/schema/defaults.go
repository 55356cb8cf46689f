package schema

import (
	"errors"
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// ErrUnsupportedColumnDefault is returned when a column's default expression
// cannot be reproduced on the replica: anything beyond a literal constant,
// optionally wrapped in a single type cast, requires evaluating upstream
// Postgres semantics (function calls, sequences, now(), column references)
// the replica has no way to replay.
var ErrUnsupportedColumnDefault = errors.New("schema: unsupported column default expression")

// ValidateDefault checks that a column's default expression text is either
// empty or a literal constant (optionally cast, e.g. "'active'::status"),
// by parsing it as a standalone SELECT target and walking the resulting
// node. It does not evaluate the expression; it only classifies its shape.
func ValidateDefault(defaultExpr string) error {
	if defaultExpr == "" {
		return nil
	}

	result, err := pg_query.Parse("SELECT " + defaultExpr)
	if err != nil {
		return fmt.Errorf("%w: %q: parse error: %v", ErrUnsupportedColumnDefault, defaultExpr, err)
	}

	stmts := result.GetStmts()
	if len(stmts) != 1 {
		return fmt.Errorf("%w: %q: expected a single expression", ErrUnsupportedColumnDefault, defaultExpr)
	}

	selectStmt := stmts[0].GetStmt().GetSelectStmt()
	if selectStmt == nil || len(selectStmt.GetTargetList()) != 1 {
		return fmt.Errorf("%w: %q: expected a single expression", ErrUnsupportedColumnDefault, defaultExpr)
	}

	target := selectStmt.GetTargetList()[0].GetResTarget()
	if target == nil {
		return fmt.Errorf("%w: %q: unparsable target", ErrUnsupportedColumnDefault, defaultExpr)
	}

	if !isLiteralShaped(target.GetVal()) {
		return fmt.Errorf("%w: %q: not a literal or cast-literal expression", ErrUnsupportedColumnDefault, defaultExpr)
	}
	return nil
}

// isLiteralShaped reports whether node is an A_Const, a "-" prefixed numeric
// literal, or a TypeCast whose argument is itself literal-shaped - the only
// default-expression shapes the replica can reproduce without re-running
// upstream Postgres.
func isLiteralShaped(node *pg_query.Node) bool {
	if node == nil {
		return false
	}

	switch n := node.GetNode().(type) {
	case *pg_query.Node_AConst:
		return true
	case *pg_query.Node_TypeCast:
		return isLiteralShaped(n.TypeCast.GetArg())
	case *pg_query.Node_AExpr:
		// Unary minus on a numeric literal, e.g. DEFAULT -1.
		if n.AExpr.GetKind() == pg_query.A_Expr_Kind_AEXPR_OP && n.AExpr.GetLexpr() == nil {
			return isLiteralShaped(n.AExpr.GetRexpr())
		}
		return false
	default:
		return false
	}
}
