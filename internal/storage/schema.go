package storage

// The papers table is declared once here; each backend renders the column
// kinds into its own dialect types.

// ColumnKind is a dialect-independent column type.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindInt
	KindReal
	KindBool
	KindDate
	KindTimestamp
)

// ColumnSpec describes one papers column.
type ColumnSpec struct {
	Name       string
	Kind       ColumnKind
	PrimaryKey bool
	NotNull    bool
	// Managed columns are maintained by the database (defaults / upsert SQL)
	// and never supplied by the transformer.
	Managed bool
}

// TableName is the papers table name in every backend.
const TableName = "papers"

// papersColumns is the authoritative column order. The transformer emits
// rows aligned with the non-managed prefix of this list (see InsertColumns).
var papersColumns = []ColumnSpec{
	// Identity.
	{Name: "id", Kind: KindText, PrimaryKey: true, NotNull: true},
	{Name: "doi", Kind: KindText},
	{Name: "title", Kind: KindText},
	{Name: "display_name", Kind: KindText},

	// Temporal.
	{Name: "publication_year", Kind: KindInt},
	{Name: "publication_date", Kind: KindDate},
	{Name: "created_date", Kind: KindDate},
	{Name: "updated_date", Kind: KindTimestamp},

	// Basic metadata.
	{Name: "language", Kind: KindText},
	{Name: "paper_type", Kind: KindText},
	{Name: "type_crossref", Kind: KindText},

	// Open access.
	{Name: "is_open_access", Kind: KindBool},
	{Name: "oa_status", Kind: KindText},
	{Name: "oa_url", Kind: KindText},

	// Quantitative measures.
	{Name: "cited_by_count", Kind: KindInt},
	{Name: "referenced_works_count", Kind: KindInt},
	{Name: "authors_count", Kind: KindInt},
	{Name: "countries_distinct_count", Kind: KindInt},
	{Name: "institutions_distinct_count", Kind: KindInt},

	// Citation metrics.
	{Name: "citation_normalized_percentile", Kind: KindReal},
	{Name: "is_in_top_1_percent", Kind: KindBool},
	{Name: "is_in_top_10_percent", Kind: KindBool},

	// Venue.
	{Name: "journal_name", Kind: KindText},
	{Name: "journal_issn", Kind: KindText},
	{Name: "journal_is_oa", Kind: KindBool},
	{Name: "journal_is_indexed_scopus", Kind: KindBool},
	{Name: "journal_is_core", Kind: KindBool},
	{Name: "journal_host_organization", Kind: KindText},

	// Topic classification, flattened.
	{Name: "primary_topic_name", Kind: KindText},
	{Name: "primary_topic_score", Kind: KindReal},
	{Name: "primary_subfield_name", Kind: KindText},
	{Name: "primary_field_name", Kind: KindText},
	{Name: "primary_domain_name", Kind: KindText},

	// Flags.
	{Name: "is_retracted", Kind: KindBool},
	{Name: "is_paratext", Kind: KindBool},
	{Name: "has_fulltext", Kind: KindBool},

	// Ingest bookkeeping.
	{Name: "fetched_at", Kind: KindTimestamp},

	// Row tracking, database-maintained.
	{Name: "created_at", Kind: KindTimestamp, Managed: true},
	{Name: "updated_at", Kind: KindTimestamp, Managed: true},
}

// indexColumns are the commonly filtered columns each backend indexes.
var indexColumns = []string{
	"publication_year",
	"cited_by_count",
	"is_open_access",
	"primary_domain_name",
	"journal_name",
	"created_at",
}

// Columns returns the full papers column specs in order.
func Columns() []ColumnSpec {
	out := make([]ColumnSpec, len(papersColumns))
	copy(out, papersColumns)
	return out
}

// InsertColumns returns the ordered column names the transformer must
// supply: every column except the database-managed ones.
func InsertColumns() []string {
	out := make([]string, 0, len(papersColumns))
	for _, c := range papersColumns {
		if c.Managed {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

// IndexColumns returns the columns that receive supporting indexes.
func IndexColumns() []string {
	out := make([]string, len(indexColumns))
	copy(out, indexColumns)
	return out
}
