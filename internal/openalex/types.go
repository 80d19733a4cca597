package openalex

// Raw work records as returned by the works API. The API is loosely
// structured: any nested object or scalar may be absent or null, so optional
// scalars are pointers and nested objects are pointer types. Nothing in this
// package interprets the values; that is the transformer's job.

// Work is one raw bibliographic record.
type Work struct {
	ID          string `json:"id"`
	DOI         string `json:"doi"`
	Title       string `json:"title"`
	DisplayName string `json:"display_name"`

	PublicationYear *int   `json:"publication_year"`
	PublicationDate string `json:"publication_date"`
	CreatedDate     string `json:"created_date"`
	UpdatedDate     string `json:"updated_date"`

	Language     string `json:"language"`
	Type         string `json:"type"`
	TypeCrossref string `json:"type_crossref"`

	PrimaryLocation *Location `json:"primary_location"`

	CitedByCount    *int     `json:"cited_by_count"`
	ReferencedWorks []string `json:"referenced_works"`

	Authorships     []Authorship     `json:"authorships"`
	CitationMetrics *CitationMetrics `json:"citation_metrics"`
	Topics          []TopicAssignment `json:"topics"`

	IDs *IDSet `json:"ids"`

	IsRetracted *bool `json:"is_retracted"`
	IsParatext  *bool `json:"is_paratext"`
	HasFulltext *bool `json:"has_fulltext"`
}

// IDSet carries the alternative identifiers of a work.
type IDSet struct {
	OpenAlex string `json:"openalex"`
	DOI      string `json:"doi"`
}

// Location describes where a work is hosted, including its source venue.
type Location struct {
	IsOA     *bool   `json:"is_oa"`
	OAStatus string  `json:"oa_status"`
	PDFURL   string  `json:"pdf_url"`
	Source   *Source `json:"source"`
}

// Source is the venue (journal, repository) of a location.
type Source struct {
	DisplayName          string `json:"display_name"`
	ISSNL                string `json:"issn_l"`
	IsOA                 *bool  `json:"is_oa"`
	IsIndexedInScopus    *bool  `json:"is_indexed_in_scopus"`
	IsCore               *bool  `json:"is_core"`
	HostOrganizationName string `json:"host_organization_name"`
}

// Authorship links a work to one author position.
type Authorship struct {
	CountryCode  string        `json:"country_code"`
	Institutions []Institution `json:"institutions"`
}

// Institution is an author affiliation.
type Institution struct {
	ID string `json:"id"`
}

// CitationMetrics carries derived citation indicators.
type CitationMetrics struct {
	NormalizedPercentile *float64 `json:"normalized_percentile"`
	IsInTop1Percent      *bool    `json:"is_in_top_1_percent"`
	IsInTop10Percent     *bool    `json:"is_in_top_10_percent"`
}

// TopicAssignment classifies a work into the four-level topic hierarchy with
// a model confidence score.
type TopicAssignment struct {
	DisplayName string        `json:"display_name"`
	Score       *float64      `json:"score"`
	Subfield    *TopicLevel   `json:"subfield"`
	Field       *TopicLevel   `json:"field"`
	Domain      *TopicLevel   `json:"domain"`
}

// TopicLevel is one level of the topic hierarchy.
type TopicLevel struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// page is the wire shape of one works listing response.
type page struct {
	Meta struct {
		Count      int     `json:"count"`
		NextCursor *string `json:"next_cursor"`
		PerPage    int     `json:"per_page"`
	} `json:"meta"`
	Results []Work `json:"results"`
}
