package repository

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jinzhu/inflection"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/ammar0144/repokit/pkg/db"
)

// descriptor is the structural metadata a repository is built from.
// It is computed once per (type, table, primary key) and never changes.
type descriptor struct {
	table      string
	primaryKey string
	pkField    *schema.Field
	schema     *schema.Schema

	// columns lists every mapped column in declaration order
	columns []string
	// insertable omits an auto-increment primary key
	insertable []string
	// updatable never contains the primary key
	updatable []string

	fields map[string]*schema.Field // by column
	lookup map[string]string        // lower-cased column or Go field name -> column
}

type descriptorKey struct {
	typ        reflect.Type
	table      string
	primaryKey string
}

var descriptors sync.Map // descriptorKey -> *descriptor

// parseSchema runs gorm's schema parser for model, a pointer to a struct
func parseSchema(base *gorm.DB, model any) (*schema.Schema, error) {
	stmt := &gorm.Statement{DB: base}
	if err := stmt.Parse(model); err != nil {
		return nil, err
	}
	return stmt.Schema, nil
}

// describe resolves the descriptor for T.
// Table: explicit, then TableName(), then the pluralized snake_case type name.
// Primary key: explicit, then PrimaryKey(), then gorm's primary field, then "id".
func describe[T any](base *gorm.DB, table, primaryKey string) (*descriptor, error) {
	if base == nil {
		return nil, &db.ConfigError{Field: "conn", Message: "base handle is nil"}
	}
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() != reflect.Struct {
		return nil, &db.ConfigError{Field: "entity", Message: fmt.Sprintf("%v is not a struct", typ)}
	}

	key := descriptorKey{typ: typ, table: table, primaryKey: primaryKey}
	if cached, ok := descriptors.Load(key); ok {
		return cached.(*descriptor), nil
	}

	model := new(T)
	sch, err := parseSchema(base, model)
	if err != nil {
		return nil, &db.ConfigError{Field: "entity", Message: fmt.Sprintf("cannot parse %v: %v", typ, err)}
	}

	if table == "" {
		if tabler, ok := any(model).(Tabler); ok {
			table = tabler.TableName()
		} else {
			table = inflection.Plural(base.NamingStrategy.ColumnName("", typ.Name()))
		}
	}
	if strings.TrimSpace(table) == "" {
		return nil, &db.ConfigError{Field: "table", Message: "cannot be empty"}
	}

	d := &descriptor{
		table:  table,
		schema: sch,
		fields: make(map[string]*schema.Field),
		lookup: make(map[string]string),
	}
	for _, f := range sch.Fields {
		if f.DBName == "" {
			continue
		}
		if _, dup := d.fields[f.DBName]; dup {
			continue
		}
		d.fields[f.DBName] = f
		d.columns = append(d.columns, f.DBName)
		d.lookup[strings.ToLower(f.DBName)] = f.DBName
		if _, taken := d.lookup[strings.ToLower(f.Name)]; !taken {
			d.lookup[strings.ToLower(f.Name)] = f.DBName
		}
	}

	if primaryKey == "" {
		if pk, ok := any(model).(PrimaryKeyer); ok {
			primaryKey = pk.PrimaryKey()
		}
	}
	switch {
	case primaryKey != "":
		if col, ok := d.lookup[strings.ToLower(primaryKey)]; ok {
			primaryKey = col
		}
	case sch.PrioritizedPrimaryField != nil:
		primaryKey = sch.PrioritizedPrimaryField.DBName
	case len(sch.PrimaryFields) > 0:
		primaryKey = sch.PrimaryFields[0].DBName
	default:
		primaryKey = "id"
	}
	if strings.TrimSpace(primaryKey) == "" {
		return nil, &db.ConfigError{Field: "primary_key", Message: "cannot be empty"}
	}
	d.primaryKey = primaryKey
	d.pkField = d.fields[primaryKey]

	for _, col := range d.columns {
		f := d.fields[col]
		isPK := col == d.primaryKey
		if f.Creatable && !(isPK && f.AutoIncrement) {
			d.insertable = append(d.insertable, col)
		}
		if f.Updatable && !isPK {
			d.updatable = append(d.updatable, col)
		}
	}
	if len(d.insertable) == 0 {
		return nil, &db.ConfigError{Field: "entity", Message: fmt.Sprintf("%v maps no writable columns", typ)}
	}

	actual, _ := descriptors.LoadOrStore(key, d)
	return actual.(*descriptor), nil
}

// autoIncrement reports whether the database generates the primary key
func (d *descriptor) autoIncrement() bool {
	return d.pkField != nil && d.pkField.AutoIncrement
}

// columnTypes returns the SQL type dialector declares for each of columns
func (d *descriptor) columnTypes(dialector gorm.Dialector, columns []string) map[string]string {
	types := make(map[string]string, len(columns))
	if dialector == nil {
		return types
	}
	for _, col := range columns {
		if f, ok := d.fields[col]; ok {
			types[col] = dialector.DataTypeOf(f)
		}
	}
	return types
}

// column maps a caller-supplied identifier to its canonical column.
// "table.column" is accepted when table is this descriptor's table.
func (d *descriptor) column(name string) (string, error) {
	name = strings.TrimSpace(name)
	qualified := false
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if !strings.EqualFold(name[:i], d.table) {
			return "", unknownColumn(d.table, name)
		}
		name, qualified = name[i+1:], true
	}
	col, ok := d.lookup[strings.ToLower(name)]
	if !ok {
		return "", unknownColumn(d.table, name)
	}
	if qualified {
		return d.table + "." + col, nil
	}
	return col, nil
}

// plainColumn is column without a table qualifier, for SET lists and conflict targets
func (d *descriptor) plainColumn(name string) (string, error) {
	col, err := d.column(name)
	if err != nil {
		return "", err
	}
	if i := strings.LastIndexByte(col, '.'); i >= 0 {
		col = col[i+1:]
	}
	return col, nil
}

// value reads column col from the struct value rv
func (d *descriptor) value(ctx context.Context, rv reflect.Value, col string) (any, error) {
	f, ok := d.fields[col]
	if !ok {
		return nil, unknownColumn(d.table, col)
	}
	v, _ := f.ValueOf(ctx, rv)
	return v, nil
}

// params binds columns of a single entity by column name
func (d *descriptor) params(ctx context.Context, rv reflect.Value, columns []string) (db.Params, error) {
	params := make(db.Params, len(columns))
	for _, col := range columns {
		v, err := d.value(ctx, rv, col)
		if err != nil {
			return nil, err
		}
		params[col] = v
	}
	return params, nil
}

// rowParams binds columns of every entity under db.RowParam names
func rowParams[T any](ctx context.Context, d *descriptor, rows []T, columns []string) (db.Params, error) {
	params := make(db.Params, len(rows)*len(columns))
	for i := range rows {
		rv := reflect.ValueOf(&rows[i]).Elem()
		for _, col := range columns {
			v, err := d.value(ctx, rv, col)
			if err != nil {
				return nil, err
			}
			params[db.RowParam(i, col)] = v
		}
	}
	return params, nil
}

// primaryKeyValue reads the key of the struct value rv
func (d *descriptor) primaryKeyValue(ctx context.Context, rv reflect.Value) (any, error) {
	if d.pkField == nil {
		return nil, invalidArgument("primary key %q of table %s is not a mapped field", d.primaryKey, d.table)
	}
	v, _ := d.pkField.ValueOf(ctx, rv)
	return v, nil
}

// setPrimaryKey writes a generated key back into the struct value rv
func (d *descriptor) setPrimaryKey(ctx context.Context, rv reflect.Value, id any) error {
	if d.pkField == nil {
		return nil
	}
	return d.pkField.Set(ctx, rv, id)
}
