package models

import "regexp"

var collectionNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CollectionDescriptor describes one syncable entity collection.
type CollectionDescriptor struct {
	Name         string `json:"name" yaml:"name"`
	PrimaryKey   string `json:"primaryKey" yaml:"primaryKey"`
	VersionField string `json:"versionField" yaml:"versionField"`
}

// TableName returns the local table holding this collection's records.
func (d CollectionDescriptor) TableName() string {
	return "records_" + d.Name
}

// ValidName reports whether name can be used as a collection name.
func ValidName(name string) bool {
	return collectionNameRegex.MatchString(name)
}
