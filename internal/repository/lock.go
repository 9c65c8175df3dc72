package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdate adds a row-level lock to the query. Callers that lock both
// an order and its payment must lock the order first. sqlite (used in
// tests) has no FOR UPDATE; its single-writer model already serializes
// those paths.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
