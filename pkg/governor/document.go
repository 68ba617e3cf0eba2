package governor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DocumentExecutor runs a restricted SQL subset against a document store by
// translating statements into collection operations. Only plain SELECT and
// DELETE over a single collection are supported; everything else is refused
// before reaching the store.
type DocumentExecutor struct {
	db *mongo.Database
}

// NewDocumentExecutor wraps a connected database handle.
func NewDocumentExecutor(db *mongo.Database) *DocumentExecutor {
	return &DocumentExecutor{db: db}
}

const defaultFindLimit = 100

var (
	selectRe = regexp.MustCompile(`(?is)^\s*select\s+(.+?)\s+from\s+(\w+)(?:\s+where\s+(.+?))?(?:\s+limit\s+(\d+))?\s*$`)
	deleteRe = regexp.MustCompile(`(?is)^\s*delete\s+from\s+(\w+)(?:\s+where\s+(.+?))?\s*$`)
	condRe   = regexp.MustCompile(`(?i)^\s*(\w+)\s*(=|>=|<=|>|<|!=)\s*(.+?)\s*$`)
)

// Read translates a SELECT into a find with filter, projection and limit.
func (e *DocumentExecutor) Read(ctx context.Context, query string) (Result, error) {
	m := selectRe.FindStringSubmatch(query)
	if m == nil {
		return Result{}, fmt.Errorf("unsupported query for document store: %s", truncateQuery(query))
	}
	projection, collection, where, limitStr := m[1], m[2], m[3], m[4]

	filter, err := parseFilter(where)
	if err != nil {
		return Result{}, err
	}

	limit := int64(defaultFindLimit)
	if limitStr != "" {
		if n, err := strconv.ParseInt(limitStr, 10, 64); err == nil {
			limit = n
		}
	}

	opts := options.Find().SetLimit(limit)
	if fields := parseProjection(projection); fields != nil {
		opts.SetProjection(fields)
	}

	cur, err := e.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return Result{}, err
	}
	defer cur.Close(ctx)

	var out Result
	seen := map[string]bool{}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return Result{}, err
		}
		row := make(map[string]any, len(doc))
		for k, v := range doc {
			if oid, ok := v.(interface{ Hex() string }); ok {
				v = oid.Hex()
			}
			row[k] = v
			if !seen[k] {
				seen[k] = true
				out.Columns = append(out.Columns, k)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, cur.Err()
}

// Write translates a DELETE into a deleteMany. Other mutations are refused.
func (e *DocumentExecutor) Write(ctx context.Context, query string) (WriteResult, error) {
	m := deleteRe.FindStringSubmatch(query)
	if m == nil {
		return WriteResult{}, fmt.Errorf("unsupported mutation for document store: %s", truncateQuery(query))
	}
	collection, where := m[1], m[2]

	filter, err := parseFilter(where)
	if err != nil {
		return WriteResult{}, err
	}

	res, err := e.db.Collection(collection).DeleteMany(ctx, filter)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{RowsAffected: res.DeletedCount}, nil
}

// parseFilter converts an AND-joined condition list into a bson filter.
func parseFilter(where string) (bson.M, error) {
	filter := bson.M{}
	if strings.TrimSpace(where) == "" {
		return filter, nil
	}
	for _, cond := range regexp.MustCompile(`(?i)\s+and\s+`).Split(where, -1) {
		m := condRe.FindStringSubmatch(cond)
		if m == nil {
			return nil, fmt.Errorf("unsupported condition: %s", strings.TrimSpace(cond))
		}
		field, op, raw := m[1], m[2], m[3]
		value := parseValue(raw)
		switch op {
		case "=":
			filter[field] = value
		case "!=":
			filter[field] = bson.M{"$ne": value}
		case ">":
			filter[field] = bson.M{"$gt": value}
		case ">=":
			filter[field] = bson.M{"$gte": value}
		case "<":
			filter[field] = bson.M{"$lt": value}
		case "<=":
			filter[field] = bson.M{"$lte": value}
		}
	}
	return filter, nil
}

// parseValue unquotes string literals and promotes numeric literals.
func parseValue(raw string) any {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 && (raw[0] == '\'' || raw[0] == '"') && raw[len(raw)-1] == raw[0] {
		return raw[1 : len(raw)-1]
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// parseProjection maps a column list to an inclusion projection. "*" means
// no projection.
func parseProjection(cols string) bson.M {
	cols = strings.TrimSpace(cols)
	if cols == "*" || cols == "" {
		return nil
	}
	proj := bson.M{}
	for _, c := range strings.Split(cols, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			proj[c] = 1
		}
	}
	return proj
}

func truncateQuery(q string) string {
	q = strings.TrimSpace(q)
	if len(q) > 120 {
		return q[:120] + "..."
	}
	return q
}
