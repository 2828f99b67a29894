package coordinator

import "github.com/hashicorp/go-memdb"

// subscriptionRow is one (tab, document) interest edge. The two inverse
// mappings the Coordinator needs — tab to its document keys, and
// document key to its interested tabs — are both index lookups on this
// single table rather than hand-maintained parallel maps.
type subscriptionRow struct {
	TabID      string
	Collection string
	DocID      string
}

var subscriptionSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"subscription": {
			Name: "subscription",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "TabID"},
						&memdb.StringFieldIndex{Field: "Collection"},
						&memdb.StringFieldIndex{Field: "DocID"},
					}},
				},
				"tab": {
					Name:    "tab",
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "TabID"},
				},
				"doc": {
					Name:   "doc",
					Unique: false,
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Collection"},
						&memdb.StringFieldIndex{Field: "DocID"},
					}},
				},
			},
		},
	},
}
