// Package models provides the shared data structures passed between the
// staging, change-detection and sink layers.
package models

// Row is a single table row keyed by column name.
type Row = map[string]interface{}
