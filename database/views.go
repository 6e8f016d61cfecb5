package database

import (
	"strings"
)

// CountReduce counts the rows under a key range.
const CountReduce = "function(keys, values, rereduce) { if (rereduce) { return sum(values); } else { return values.length; } }"

// AllView is the view over every document of a type and its descendants.
const AllView = "all"

// ViewDefinition identifies a view and carries the functions that provision it.
type ViewDefinition struct {
	DesignDoc string
	Name      string
	Map       string
	Reduce    string
}

func (v ViewDefinition) key() string {
	return v.DesignDoc + "/" + v.Name
}

// Query starts a query against the view. Views with a reduce are queried for rows.
func (v ViewDefinition) Query() *Query {
	q := NewQuery(v.DesignDoc, v.Name)
	if v.Reduce != "" {
		q.Reduce(false)
	}
	return q
}

func classClause(classes []string) string {
	parts := make([]string, len(classes))
	for i, class := range classes {
		parts[i] = `doc.class == "` + class + `"`
	}
	return "(" + strings.Join(parts, " || ") + ")"
}

func mapFunction(classes []string, guards []string, key string) string {
	condition := classClause(classes)
	for _, guard := range guards {
		condition += " && doc." + guard + " !== undefined"
	}

	var b strings.Builder
	b.WriteString("function(doc) {\n")
	b.WriteString("  if (" + condition + ") {\n")
	b.WriteString("    emit(" + key + ", doc);\n")
	b.WriteString("  }\n")
	b.WriteString("}")
	return b.String()
}

func keyExpression(keys []string) string {
	if len(keys) == 1 {
		return "doc." + keys[0]
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = "doc." + k
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// relationshipView indexes documents of the target type by the inverse foreign key.
func (r *Registry) relationshipView(ownerType, relationship, targetType, inverse string) ViewDefinition {
	fk := inverse + "_id"
	return ViewDefinition{
		DesignDoc: ownerType,
		Name:      relationship,
		Map:       mapFunction(r.Classes(targetType), []string{fk}, "doc."+fk),
	}
}

func sortedViewName(keys []string) string {
	return "all_sorted_by_" + strings.Join(keys, "_and_")
}

// sortedView emits documents defining every key, keyed by the keys in declared order.
func (r *Registry) sortedView(typeName string, keys []string) ViewDefinition {
	return ViewDefinition{
		DesignDoc: typeName,
		Name:      sortedViewName(keys),
		Map:       mapFunction(r.Classes(typeName), keys, keyExpression(keys)),
		Reduce:    CountReduce,
	}
}

func (r *Registry) allView(typeName string) ViewDefinition {
	return ViewDefinition{
		DesignDoc: typeName,
		Name:      AllView,
		Map:       mapFunction(r.Classes(typeName), nil, "null"),
		Reduce:    CountReduce,
	}
}

func viewByName(typeName string, keys []string) string {
	return typeName + "_by_" + strings.Join(keys, "_and_")
}

// viewByView lives on the datasource design document rather than the type's own.
func (r *Registry) viewByView(designDoc, typeName string, keys []string) ViewDefinition {
	return ViewDefinition{
		DesignDoc: designDoc,
		Name:      viewByName(typeName, keys),
		Map:       mapFunction(r.Classes(typeName), keys, keyExpression(keys)),
		Reduce:    CountReduce,
	}
}
