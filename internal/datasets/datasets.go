// Package datasets describes the public IMDb dataset files and the
// relational tables they are loaded into.
package datasets

import (
	"fmt"
	"strings"
)

// Row is one parsed record keyed by header name. A missing key means the
// field was absent (empty) in the source file.
type Row map[string]string

// Transform rewrites a row before it is loaded.
type Transform func(Row) Row

// Column is a single column of a dataset table.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
}

// Dataset is a source file together with the schema of its table.
// Name is unique and is also the table name.
type Dataset struct {
	Name      string
	File      string
	Columns   []Column
	Indexes   []string
	Transform Transform
}

var catalog = []Dataset{
	{
		Name: "title_basics",
		File: "title.basics.tsv.gz",
		Columns: []Column{
			{Name: "tconst", Type: "TEXT", PrimaryKey: true},
			{Name: "titleType", Type: "TEXT"},
			{Name: "primaryTitle", Type: "TEXT"},
			{Name: "originalTitle", Type: "TEXT"},
			{Name: "isAdult", Type: "BOOLEAN"},
			{Name: "startYear", Type: "INT"},
			{Name: "endYear", Type: "INT"},
			{Name: "runtimeMinutes", Type: "INT"},
			{Name: "genres", Type: "TEXT"},
		},
		Indexes:   []string{"titleType", "primaryTitle", "startYear"},
		Transform: DropPlaceholders,
	},
	{
		Name: "title_akas",
		File: "title.akas.tsv.gz",
		Columns: []Column{
			{Name: "titleId", Type: "TEXT"},
			{Name: "ordering", Type: "INT"},
			{Name: "title", Type: "TEXT"},
			{Name: "region", Type: "TEXT"},
			{Name: "language", Type: "TEXT"},
			{Name: "types", Type: "TEXT"},
			{Name: "attributes", Type: "TEXT"},
			{Name: "isOriginalTitle", Type: "BOOLEAN"},
		},
		Indexes:   []string{"titleId", "title"},
		Transform: DropPlaceholders,
	},
	{
		Name: "title_ratings",
		File: "title.ratings.tsv.gz",
		Columns: []Column{
			{Name: "tconst", Type: "TEXT", PrimaryKey: true},
			{Name: "averageRating", Type: "FLOAT"},
			{Name: "numVotes", Type: "INT"},
		},
		Indexes:   []string{"averageRating"},
		Transform: DropPlaceholders,
	},
	{
		Name: "title_crew",
		File: "title.crew.tsv.gz",
		Columns: []Column{
			{Name: "tconst", Type: "TEXT", PrimaryKey: true},
			{Name: "directors", Type: "TEXT"},
			{Name: "writers", Type: "TEXT"},
		},
		Transform: DropPlaceholders,
	},
	{
		Name: "title_episode",
		File: "title.episode.tsv.gz",
		Columns: []Column{
			{Name: "tconst", Type: "TEXT", PrimaryKey: true},
			{Name: "parentTconst", Type: "TEXT"},
			{Name: "seasonNumber", Type: "INT"},
			{Name: "episodeNumber", Type: "INT"},
		},
		Indexes:   []string{"parentTconst", "seasonNumber", "episodeNumber"},
		Transform: DropPlaceholders,
	},
	{
		Name: "title_principals",
		File: "title.principals.tsv.gz",
		Columns: []Column{
			{Name: "tconst", Type: "TEXT"},
			{Name: "ordering", Type: "INT"},
			{Name: "nconst", Type: "TEXT"},
			{Name: "category", Type: "TEXT"},
			{Name: "job", Type: "TEXT"},
			{Name: "characters", Type: "TEXT"},
		},
		Indexes:   []string{"tconst", "nconst", "category"},
		Transform: DropPlaceholders,
	},
	{
		Name: "name_basics",
		File: "name.basics.tsv.gz",
		Columns: []Column{
			{Name: "nconst", Type: "TEXT", PrimaryKey: true},
			{Name: "primaryName", Type: "TEXT"},
			{Name: "birthYear", Type: "INT"},
			{Name: "deathYear", Type: "INT"},
			{Name: "primaryProfession", Type: "TEXT"},
			{Name: "knownForTitles", Type: "TEXT"},
		},
		Indexes:   []string{"primaryName", "birthYear"},
		Transform: DropPlaceholders,
	},
}

// All returns every known dataset in catalog order.
func All() []Dataset {
	out := make([]Dataset, len(catalog))
	copy(out, catalog)
	return out
}

// ByName returns the dataset with the given name.
func ByName(name string) (Dataset, bool) {
	for _, ds := range catalog {
		if ds.Name == name {
			return ds, true
		}
	}
	return Dataset{}, false
}

// Select returns the named datasets, or all of them when names is empty.
func Select(names []string) ([]Dataset, error) {
	if len(names) == 0 {
		return All(), nil
	}
	out := make([]Dataset, 0, len(names))
	for _, name := range names {
		ds, ok := ByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown dataset '%s'", name)
		}
		out = append(out, ds)
	}
	return out, nil
}

// ColumnNames returns the column names in table order.
func (d Dataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Apply runs the dataset's transform, or returns the row unchanged.
func (d Dataset) Apply(row Row) Row {
	if d.Transform == nil {
		return row
	}
	return d.Transform(row)
}

// CreateTableSQL returns idempotent DDL for the dataset table.
func (d Dataset) CreateTableSQL() string {
	defs := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		def := c.Name + " " + c.Type
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs[i] = def
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Name, strings.Join(defs, ", "))
}

// CreateIndexSQL returns one idempotent CREATE INDEX statement per index.
func (d Dataset) CreateIndexSQL() []string {
	stmts := make([]string, 0, len(d.Indexes))
	for _, col := range d.Indexes {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			d.Name, strings.ToLower(col), d.Name, col))
	}
	return stmts
}

// TruncateSQL empties the dataset table.
func (d Dataset) TruncateSQL() string {
	return "TRUNCATE " + d.Name
}

// CopySQL streams tab-separated rows in column order into the table.
func (d Dataset) CopySQL() string {
	return fmt.Sprintf("COPY %s (%s) FROM STDIN", d.Name, strings.Join(d.ColumnNames(), ", "))
}
