package models

// ArchivedScript is a terminal script record as kept in the history archive.
type ArchivedScript struct {
	ArchiveID int64
	Engine    string
	Record    ScriptRecord
}
