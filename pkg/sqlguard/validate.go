// Package sqlguard bounds what generated query text is allowed to do. It
// parses candidate queries into an AST, rejects unsafe statement kinds,
// rewrites them for the target store's dialect, and projects the impact of
// write statements. Validation is fail-closed: anything that cannot be
// parsed is rejected.
package sqlguard

import (
	"errors"
	"fmt"

	"github.com/xwb1989/sqlparser"
)

// ErrUnsafeStatement marks a guardrail violation. Attempts that fail with it
// are never retried automatically.
var ErrUnsafeStatement = errors.New("unsafe statement")

// StatementKind classifies an accepted statement.
type StatementKind string

const (
	KindSelect StatementKind = "SELECT"
	KindUpdate StatementKind = "UPDATE"
	KindInsert StatementKind = "INSERT"
	KindDelete StatementKind = "DELETE"
)

// Classify parses query text and returns its statement kind. Only SELECT,
// UPDATE, INSERT and DELETE are accepted; anything else, including statements
// with DDL or administrative nodes nested anywhere in the tree, is rejected.
func Classify(query string) (StatementKind, error) {
	stmt, err := sqlparser.Parse(query)
	if err != nil {
		// Fail closed: unparseable text never reaches execution.
		return "", fmt.Errorf("%w: parse error: %v", ErrUnsafeStatement, err)
	}

	var kind StatementKind
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union:
		kind = KindSelect
	case *sqlparser.Update:
		kind = KindUpdate
	case *sqlparser.Insert:
		kind = KindInsert
	case *sqlparser.Delete:
		kind = KindDelete
	default:
		return "", fmt.Errorf("%w: only SELECT, UPDATE, INSERT and DELETE statements are allowed", ErrUnsafeStatement)
	}

	// Scan the whole tree for DDL or administrative sub-nodes, nested
	// subqueries included.
	err = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch node.(type) {
		case *sqlparser.DDL, *sqlparser.DBDDL, *sqlparser.Set, *sqlparser.OtherAdmin:
			return false, fmt.Errorf("%w: disallowed operation in statement tree", ErrUnsafeStatement)
		}
		return true, nil
	}, stmt)
	if err != nil {
		return "", err
	}

	return kind, nil
}

// Validate rejects query text whose statement kind is not permitted.
func Validate(query string) error {
	_, err := Classify(query)
	return err
}
