package repository

// Tabler lets an entity name its own table.
// Without it the table is the pluralized snake_case type name, e.g. OrderItem -> order_items.
type Tabler interface {
	TableName() string
}

// PrimaryKeyer lets an entity name its primary key column when gorm tags do not
type PrimaryKeyer interface {
	PrimaryKey() string
}
