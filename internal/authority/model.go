package authority

// PageHistory is the authority's append-only audit copy of a page taken
// immediately before each successful update.
type PageHistory struct {
	HistoryID          string `gorm:"column:history_id;primaryKey;size:190;not null"`
	PageID             string `gorm:"column:page_id;size:190;not null;index:idx_history_page,priority:1"`
	UserID             string `gorm:"column:user_id;size:190;not null"`
	Title              string `gorm:"column:title;size:190;not null"`
	Value              string `gorm:"column:value;type:text;not null"`
	Deleted            bool   `gorm:"column:deleted;not null;default:false"`
	LastModifiedMillis int64  `gorm:"column:last_modified_ms;not null"`
	RevisionNumber     int64  `gorm:"column:revision_number;not null;index:idx_history_page,priority:2"`
	ArchivedAtSeconds  int64  `gorm:"column:archived_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PageHistory) TableName() string {
	return "pages_history"
}
