package cmd

// changeRecordDTO is the on-the-wire shape of one crsql_changes row: pk
// and site_id travel as hex so the batch survives JSON/YAML round trips
// without binary escaping surprises.
type changeRecordDTO struct {
	Table       string `json:"tbl" yaml:"tbl"`
	PK          string `json:"pk" yaml:"pk"`
	CID         int    `json:"cid" yaml:"cid"`
	Value       any    `json:"val" yaml:"val"`
	ColVersion  int64  `json:"col_version" yaml:"col_version"`
	DBVersion   int64  `json:"db_version" yaml:"db_version"`
	SiteID      string `json:"site_id" yaml:"site_id"`
	CL          int64  `json:"cl" yaml:"cl"`
	Seq         int64  `json:"seq" yaml:"seq"`
	SiteVersion int64  `json:"site_version" yaml:"site_version"`
}

type changeBatch struct {
	Changes []changeRecordDTO `json:"changes" yaml:"changes"`
}
