package models

// DeviceTarget is one access-control terminal as configured in the devices
// table. Owned by the external configuration subsystem; this service only
// reads it. A disabled device is skipped during processing, not treated as
// an error.
type DeviceTarget struct {
	Address    string `db:"address"`
	Username   string `db:"username"`
	Password   string `db:"password"`
	HTTPPort   int    `db:"http_port"`
	HTTPSPort  int    `db:"https_port"`
	RTSPPort   int    `db:"rtsp_port"`
	ServerPort int    `db:"server_port"`
	Enabled    bool   `db:"enabled"`
}
