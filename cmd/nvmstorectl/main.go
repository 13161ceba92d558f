// Command nvmstorectl is an offline maintenance tool for the settings
// store: it can reset the stored settings to the compiled-in defaults,
// dump the settings currently stored there, and edit, export, or import
// them without
// bringing up the firmware that normally owns them.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/mdiepart/nvmstore/config"
	"github.com/mdiepart/nvmstore/settings"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "nvmstorectl",
		Usage: "inspect and edit a device's persisted settings offline",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "topology config file"},
			&cli.IntFlag{Name: "area", Value: 0, Usage: "area index"},
			&cli.IntFlag{Name: "part-a", Value: 1, Usage: "partition A index"},
			&cli.IntFlag{Name: "part-b", Value: 2, Usage: "partition B index"},
		},
		Commands: []*cli.Command{
			{Name: "dump", Usage: "print the current settings", Action: dumpSettings},
			{Name: "format", Usage: "save compiled-in defaults as the current settings (partitions are not erased)", Action: formatSettings},
			{Name: "get", Usage: "print one field", ArgsUsage: "FIELD", Action: getField},
			{Name: "set", Usage: "set one field and save", ArgsUsage: "FIELD VALUE", Action: setField},
			{Name: "export-csv", Usage: "export current settings to a CSV file", ArgsUsage: "FILE", Action: exportCSV},
			{Name: "import-csv", Usage: "import settings from a CSV file and save", ArgsUsage: "FILE", Action: importCSV},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("nvmstorectl: %s", err.Error())
	}
}

func openStorage(c *cli.Context) (*settings.Storage, error) {
	table, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	st := settings.New(table)
	if err := st.Init(c.Int("area"), c.Int("part-a"), c.Int("part-b")); err != nil {
		return nil, err
	}
	return st, nil
}

func dumpSettings(c *cli.Context) error {
	st, err := openStorage(c)
	if err != nil {
		return err
	}

	var rec settings.Record
	if err := st.Load(&rec); err != nil {
		return err
	}

	row := toCSVRow(rec)
	logrus.WithFields(logrus.Fields{
		"brightness":     row.Brightness,
		"contrast":       row.Contrast,
		"squelch_level":  row.SquelchLevel,
		"vox_level":      row.VoxLevel,
		"utc_timezone":   row.UTCTimezone,
		"gps_enabled":    row.GPSEnabled,
		"callsign":       row.Callsign,
		"display_timer":  row.DisplayTimer,
		"m17_can":        row.M17CAN,
		"m17_destination": row.M17Destination,
	}).Info("current settings")
	return nil
}

func formatSettings(c *cli.Context) error {
	st, err := openStorage(c)
	if err != nil {
		return err
	}

	var rec settings.Record
	if err := st.Load(&rec); err != nil {
		return err
	}
	if err := st.Save(settings.DefaultRecord()); err != nil {
		return err
	}
	fmt.Println("formatted, compiled-in defaults saved")
	return nil
}

func getField(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("usage: nvmstorectl get FIELD", 1)
	}
	st, err := openStorage(c)
	if err != nil {
		return err
	}
	var rec settings.Record
	if err := st.Load(&rec); err != nil {
		return err
	}

	val, err := fieldValue(rec, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(val)
	return nil
}

func setField(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return cli.Exit("usage: nvmstorectl set FIELD VALUE", 1)
	}
	st, err := openStorage(c)
	if err != nil {
		return err
	}
	var rec settings.Record
	if err := st.Load(&rec); err != nil {
		return err
	}

	if err := setFieldValue(&rec, c.Args().First(), c.Args().Get(1)); err != nil {
		return err
	}
	return st.Save(rec)
}

func exportCSV(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("usage: nvmstorectl export-csv FILE", 1)
	}
	st, err := openStorage(c)
	if err != nil {
		return err
	}
	var rec settings.Record
	if err := st.Load(&rec); err != nil {
		return err
	}

	f, err := os.Create(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	rows := []csvRecord{toCSVRow(rec)}
	return gocsv.MarshalFile(&rows, f)
}

func importCSV(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("usage: nvmstorectl import-csv FILE", 1)
	}
	st, err := openStorage(c)
	if err != nil {
		return err
	}
	var discard settings.Record
	if err := st.Load(&discard); err != nil {
		return err
	}

	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	var rows []csvRecord
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return err
	}
	if len(rows) != 1 {
		return cli.Exit("expected exactly one data row", 1)
	}

	return st.Save(fromCSVRow(rows[0]))
}

// csvRecord is a flat, human-editable mirror of settings.Record, for
// export-csv/import-csv. Byte-array fields are carried as trimmed strings.
type csvRecord struct {
	Brightness      uint8  `csv:"brightness"`
	Contrast        uint8  `csv:"contrast"`
	SquelchLevel    uint8  `csv:"squelch_level"`
	VoxLevel        uint8  `csv:"vox_level"`
	UTCTimezone     int8   `csv:"utc_timezone"`
	GPSEnabled      bool   `csv:"gps_enabled"`
	Callsign        string `csv:"callsign"`
	DisplayTimer    uint8  `csv:"display_timer"`
	M17CAN          uint8  `csv:"m17_can"`
	VPLevel         uint8  `csv:"vp_level"`
	VPPhoneticSpell bool   `csv:"vp_phonetic_spell"`
	MacroMenuLatch  bool   `csv:"macro_menu_latch"`
	M17CANRx        bool   `csv:"m17_can_rx"`
	M17Destination  string `csv:"m17_destination"`
	ShowBatteryIcon bool   `csv:"show_battery_icon"`
	GPSSetTime      bool   `csv:"gps_set_time"`
}

func toCSVRow(r settings.Record) csvRecord {
	return csvRecord{
		Brightness:      r.Brightness,
		Contrast:        r.Contrast,
		SquelchLevel:    r.SquelchLevel,
		VoxLevel:        r.VoxLevel,
		UTCTimezone:     r.UTCTimezone,
		GPSEnabled:      r.GPSEnabled,
		Callsign:        trimmedString(r.Callsign[:]),
		DisplayTimer:    uint8(r.DisplayTimer),
		M17CAN:          r.M17CAN,
		VPLevel:         r.VPLevel,
		VPPhoneticSpell: r.VPPhoneticSpell,
		MacroMenuLatch:  r.MacroMenuLatch,
		M17CANRx:        r.M17CANRx,
		M17Destination:  trimmedString(r.M17Destination[:]),
		ShowBatteryIcon: r.ShowBatteryIcon,
		GPSSetTime:      r.GPSSetTime,
	}
}

func fromCSVRow(row csvRecord) settings.Record {
	rec := settings.Record{
		Brightness:      row.Brightness,
		Contrast:        row.Contrast,
		SquelchLevel:    row.SquelchLevel,
		VoxLevel:        row.VoxLevel,
		UTCTimezone:     row.UTCTimezone,
		GPSEnabled:      row.GPSEnabled,
		DisplayTimer:    settings.DisplayTimer(row.DisplayTimer),
		M17CAN:          row.M17CAN,
		VPLevel:         row.VPLevel,
		VPPhoneticSpell: row.VPPhoneticSpell,
		MacroMenuLatch:  row.MacroMenuLatch,
		M17CANRx:        row.M17CANRx,
		ShowBatteryIcon: row.ShowBatteryIcon,
		GPSSetTime:      row.GPSSetTime,
	}
	copy(rec.Callsign[:], row.Callsign)
	copy(rec.M17Destination[:], row.M17Destination)
	return rec
}

func trimmedString(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

// fieldValue and setFieldValue cover the subset of fields most commonly
// tweaked in the field; export-csv/import-csv is the route for editing
// everything at once.
func fieldValue(r settings.Record, field string) (string, error) {
	switch field {
	case "brightness":
		return strconv.Itoa(int(r.Brightness)), nil
	case "contrast":
		return strconv.Itoa(int(r.Contrast)), nil
	case "squelch_level":
		return strconv.Itoa(int(r.SquelchLevel)), nil
	case "vox_level":
		return strconv.Itoa(int(r.VoxLevel)), nil
	case "utc_timezone":
		return strconv.Itoa(int(r.UTCTimezone)), nil
	case "callsign":
		return trimmedString(r.Callsign[:]), nil
	default:
		return "", fmt.Errorf("unknown or unsupported field: %s", field)
	}
}

func setFieldValue(r *settings.Record, field, value string) error {
	switch field {
	case "brightness":
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		r.Brightness = uint8(v)
	case "contrast":
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		r.Contrast = uint8(v)
	case "squelch_level":
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		r.SquelchLevel = uint8(v)
	case "vox_level":
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		r.VoxLevel = uint8(v)
	case "utc_timezone":
		v, err := strconv.ParseInt(value, 10, 8)
		if err != nil {
			return err
		}
		r.UTCTimezone = int8(v)
	case "callsign":
		if len(value) > len(r.Callsign) {
			return fmt.Errorf("callsign too long: max %d characters", len(r.Callsign))
		}
		r.Callsign = [10]byte{}
		copy(r.Callsign[:], value)
	default:
		return fmt.Errorf("unknown or unsupported field: %s", field)
	}
	return nil
}
