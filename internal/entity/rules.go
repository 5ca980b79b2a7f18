package entity

import (
	"github.com/guregu/null"

	"rawstage/internal/normalize"
	"rawstage/internal/storage"
)

const keyLength = 64

func nullString(f func(any) null.String) NormalizeFunc {
	return func(raw any) (any, error) { return f(raw), nil }
}

var (
	asString = nullString(normalize.String)
	asTitle  = nullString(normalize.Title)
	asUpper  = nullString(normalize.Upper)
	asLower  = nullString(normalize.Lower)
	asKey    = nullString(normalize.Key)
	asPhone  = nullString(normalize.Phone)
)

func asDate(raw any) (any, error)      { return normalize.Date(raw), nil }
func asTimestamp(raw any) (any, error) { return normalize.Timestamp(raw), nil }
func asFloat(raw any) (any, error)     { return normalize.Float(raw), nil }
func asInteger(raw any) (any, error)   { return normalize.Integer(raw) }

func asMoney(raw any) (any, error) { return normalize.Decimal(raw, 2) }

func keyColumn(name string) ColumnRule {
	return ColumnRule{Name: name, Type: storage.Text(keyLength), Normalize: asKey, Required: true}
}

func text(name string, n int, f NormalizeFunc) ColumnRule {
	return ColumnRule{Name: name, Type: storage.Text(n), Normalize: f}
}

var builtins = []Rule{
	{
		Name: "branch", Source: "branches", Table: "branch", Key: "branch_id",
		DropMissingKey: true,
		Columns: []ColumnRule{
			keyColumn("branch_id"),
			text("name", 200, asTitle),
			text("city", 100, asString),
			text("state", 100, asString),
		},
	},
	{
		Name: "customer", Source: "customers", Table: "customer", Key: "customer_id",
		DropMissingKey: true,
		Columns: []ColumnRule{
			keyColumn("customer_id"),
			text("name", 200, asTitle),
			{Name: "dob", Type: storage.Date, Normalize: asDate},
			text("kyc_status", 40, asUpper),
			text("email", 200, asLower),
			text("phone", 16, asPhone),
			text("address", 400, asString),
			text("city", 100, asString),
			text("state", 100, asString),
			{Name: "zip", Type: storage.Integer, Normalize: asInteger},
			text("country", 100, asString),
		},
	},
	{
		Name: "merchant", Source: "merchants", Table: "merchant", Key: "merchant_id",
		DropMissingKey: true,
		Columns: []ColumnRule{
			keyColumn("merchant_id"),
			text("name", 200, asTitle),
			text("category", 100, asTitle),
			text("city", 100, asString),
			text("country", 100, asString),
		},
	},
	{
		Name: "geo", Source: "geos", Table: "geo", Key: "geo_id",
		DropMissingKey: true,
		Columns: []ColumnRule{
			keyColumn("geo_id"),
			{Name: "lat", Type: storage.Float, Normalize: asFloat},
			{Name: "lon", Type: storage.Float, Normalize: asFloat},
			text("city", 100, asString),
			text("country", 100, asString),
		},
	},
	{
		Name: "account", Source: "accounts", Table: "account", Key: "account_id",
		DropMissingKey: true,
		Columns: []ColumnRule{
			keyColumn("account_id"),
			{Name: "customer_id", Type: storage.Text(keyLength), Normalize: asKey, Required: true, References: "customer"},
			{Name: "branch_id", Type: storage.Text(keyLength), Normalize: asKey, References: "branch"},
			text("type", 40, asTitle),
			text("status", 40, asUpper),
			// Unparseable open times become normalize.UnknownOpenTime.
			{Name: "opened_at", Type: storage.Timestamp, Normalize: asTimestamp, Required: true},
			{Name: "balance", Type: storage.Decimal(18, 2), Normalize: asMoney, Required: true},
		},
	},
}

// Rules returns the built-in rules in dependency order: referenced entities
// come before the entities pointing at them.
func Rules() []Rule {
	out := make([]Rule, len(builtins))
	copy(out, builtins)
	return out
}

// Lookup finds a built-in rule by name.
func Lookup(name string) (Rule, bool) {
	for _, r := range builtins {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}
