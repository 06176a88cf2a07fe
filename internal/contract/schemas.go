package contract

// Schema sources for the built-in contracts. Structs are open: vendor
// payloads carry extra fields the pipeline ignores.

// rawTreezSchema is the Treez raw payload shape.
const rawTreezSchema = `
{
	external_id: string & !=""
	name:        string & !=""
	brand?:      string
	strain?:     string
	tags?: [...string]
	// JSON-decoded payloads carry whole numbers as floats; the
	// transformer enforces integrality when coercing.
	price_cents?: number & >=0
	status?: "active" | "inactive"
	...
}
`

// canonicalSchema is the canonical menu-item shape validated after
// transformation, over the changes merged onto the payload projection.
const canonicalSchema = `
{
	external_id: string & !=""
	name:        string & !=""
	brand_id?:   int
	strain_id?:  int
	tag_ids?: [...int]
	price_cents?: int & >0
	status: "active" | "inactive"
	...
}
`

// RawTreez builds the Treez raw payload contract.
func RawTreez() *Contract {
	return MustNew("raw_treez", rawTreezSchema)
}

// CanonicalMenuItem builds the canonical contract.
func CanonicalMenuItem() *Contract {
	return MustNew("canonical_menu_item", canonicalSchema)
}
