package telemetry

import (
	"errors"
	"strings"
	"testing"

	"github.com/lai/datagate/units"
)

const sampleDoc = `<?xml version="1.0" encoding="utf-8"?>
<DatagateMessage xmlns="http://schemas.datagate.example/2019">
  <AssetEvents>
    <AssetEvent>
      <AssetDescription> Truck A </AssetDescription>
      <RXTime>2024-05-01T10:00:05Z</RXTime>
      <GMTTime>2024-05-01T10:00:00Z</GMTTime>
      <GPS>
        <Valid>True</Valid>
        <Latitude>-6.2</Latitude>
        <Longitude>106.8</Longitude>
        <Satellites>9</Satellites>
        <Altitude>12.5</Altitude>
      </GPS>
      <Telemetry>
        <Speed units="kmh">36</Speed>
        <Heading>370</Heading>
        <BatteryLevel>87.9</BatteryLevel>
      </Telemetry>
    </AssetEvent>
    <AssetEvent>
      <AssetDescription>Boat B</AssetDescription>
      <GMTTime>2024-05-01T10:01:00Z</GMTTime>
      <GPS>
        <Valid>false</Valid>
        <Latitude>1.5</Latitude>
      </GPS>
      <Telemetry>
        <Speed>10</Speed>
        <Satellites>x</Satellites>
        <Altitude>3</Altitude>
        <ExtBattery>-4.7</ExtBattery>
      </Telemetry>
    </AssetEvent>
    <AssetEvent>
      <RXTime>2024-05-01T10:02:00Z</RXTime>
    </AssetEvent>
  </AssetEvents>
</DatagateMessage>`

func TestParseBatch(t *testing.T) {
	events, err := ParseBatch(strings.NewReader(sampleDoc), units.Knots)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	a := events[0]
	if a.AssetName != "Truck A" {
		t.Errorf("name = %q, want %q", a.AssetName, "Truck A")
	}
	if a.Key() != "truck a" {
		t.Errorf("key = %q, want %q", a.Key(), "truck a")
	}
	if !a.GPSValid {
		t.Error("GPSValid = false, want true")
	}
	if a.Latitude == nil || *a.Latitude != -6.2 || a.Longitude == nil || *a.Longitude != 106.8 {
		t.Errorf("coordinates = %v,%v", a.Latitude, a.Longitude)
	}
	if a.Satellites == nil || *a.Satellites != 9 {
		t.Errorf("satellites = %v, want 9", a.Satellites)
	}
	if a.Altitude == nil || *a.Altitude != 12.5 {
		t.Errorf("altitude = %v, want 12.5", a.Altitude)
	}
	if a.SpeedUnit != units.Kmh || a.SpeedUnitTag != "kmh" {
		t.Errorf("speed unit = %q (%q), want kmh", a.SpeedUnit, a.SpeedUnitTag)
	}
	if k := a.SpeedKmh(); k == nil || *k != 36 {
		t.Errorf("speed kmh = %v, want 36", k)
	}
	if a.HeadingDeg == nil || *a.HeadingDeg != 10 {
		t.Errorf("heading = %v, want 10", a.HeadingDeg)
	}
	if a.BatteryLevel == nil || *a.BatteryLevel != 87 {
		t.Errorf("battery = %v, want 87", a.BatteryLevel)
	}
	if got := a.MessageTime("ingest"); got != "2024-05-01T10:00:05Z" {
		t.Errorf("message time = %q", got)
	}
	if got := a.GNSSTime(); got != "2024-05-01T10:00:00Z" {
		t.Errorf("gnss time = %q", got)
	}
	if !strings.HasPrefix(string(a.Raw), "<AssetEvent>") || !strings.Contains(string(a.Raw), "Truck A") {
		t.Errorf("raw = %q", a.Raw)
	}

	b := events[1]
	if b.GPSValid {
		t.Error("GPSValid = true, want false")
	}
	if b.HasFix() {
		t.Error("HasFix = true with missing longitude")
	}
	if b.SpeedUnit != units.Knots || b.SpeedUnitTag != "knots" {
		t.Errorf("fallback unit = %q (%q), want knots", b.SpeedUnit, b.SpeedUnitTag)
	}
	if k := b.SpeedKmh(); k == nil || *k != 18 {
		t.Errorf("speed kmh = %v, want 18", k)
	}
	if b.Satellites != nil {
		t.Errorf("satellites = %v, want nil for unparseable value", *b.Satellites)
	}
	if b.Altitude == nil || *b.Altitude != 3 {
		t.Errorf("altitude = %v, want telemetry fallback 3", b.Altitude)
	}
	if b.BatteryLevel == nil || *b.BatteryLevel != -4 {
		t.Errorf("battery = %v, want -4", b.BatteryLevel)
	}
	if b.HeadingDeg != nil {
		t.Errorf("heading = %v, want nil", *b.HeadingDeg)
	}
	if got := b.MessageTime("ingest"); got != "2024-05-01T10:01:00Z" {
		t.Errorf("message time = %q, want GMT fallback", got)
	}

	c := events[2]
	if !errors.Is(c.Valid(), ErrMissingName) {
		t.Errorf("Valid() = %v, want ErrMissingName", c.Valid())
	}
	if got := c.MessageTime("ingest"); got != "2024-05-01T10:02:00Z" {
		t.Errorf("message time = %q", got)
	}
}

func TestParseBatch_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not xml", "hello"},
		{"unclosed", "<Root><AssetEvent>"},
		{"mismatched", "<Root><AssetEvent></Root>"},
		{"junk after root", "<Root/><Other/>"},
		{"text after root", "<Root/>trailing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBatch(strings.NewReader(tt.body), units.Kmh)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("got %v, want ErrMalformed", err)
			}
		})
	}
}

func TestParseBatch_NoEvents(t *testing.T) {
	events, err := ParseBatch(strings.NewReader("<Root>\n</Root>\n<!-- end -->\n"), units.Kmh)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
}

func TestParseBatch_RootIsNotAnEvent(t *testing.T) {
	doc := "<AssetEvent><AssetDescription>Solo</AssetDescription></AssetEvent>"
	events, err := ParseBatch(strings.NewReader(doc), units.Kmh)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
}

func TestParseBatch_Latin1(t *testing.T) {
	doc := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>" +
		"<Root><AssetEvent><AssetDescription>Caf\xe9</AssetDescription></AssetEvent></Root>"
	events, err := ParseBatch(strings.NewReader(doc), units.Kmh)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(events) != 1 || events[0].AssetName != "Café" {
		t.Fatalf("got %+v", events)
	}
}

func TestParseBatch_InvalidUTF8Dropped(t *testing.T) {
	tests := []struct {
		name   string
		prolog string
	}{
		{"no declaration", ""},
		{"declaration without encoding", `<?xml version="1.0"?>`},
		{"utf-8 declared", `<?xml version="1.0" encoding="UTF-8"?>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := tt.prolog + "<Root>" +
				"<AssetEvent><AssetDescription>Caf\xe9 Truck</AssetDescription></AssetEvent>" +
				"<AssetEvent><AssetDescription>Truck A</AssetDescription></AssetEvent>" +
				"</Root>"
			events, err := ParseBatch(strings.NewReader(doc), units.Kmh)
			if err != nil {
				t.Fatalf("ParseBatch: %v", err)
			}
			if len(events) != 2 {
				t.Fatalf("got %d events, want 2", len(events))
			}
			if events[0].AssetName != "Caf Truck" || events[1].AssetName != "Truck A" {
				t.Errorf("names = %q, %q", events[0].AssetName, events[1].AssetName)
			}
		})
	}
}

func TestParseBatch_SpeedUnits(t *testing.T) {
	tests := []struct {
		units string
		speed string
		want  int
	}{
		{"mph", "60", 96},
		{"KTS", "10", 18},
		{"m/s", "10", 36},
		{"bogus", "36", 36},
	}

	for _, tt := range tests {
		t.Run(tt.units, func(t *testing.T) {
			doc := `<Root><AssetEvent><AssetDescription>x</AssetDescription>` +
				`<Telemetry><Speed units="` + tt.units + `">` + tt.speed + `</Speed></Telemetry>` +
				`</AssetEvent></Root>`
			events, err := ParseBatch(strings.NewReader(doc), units.Kmh)
			if err != nil {
				t.Fatalf("ParseBatch: %v", err)
			}
			k := events[0].SpeedKmh()
			if k == nil || *k != tt.want {
				t.Errorf("speed kmh = %v, want %d", k, tt.want)
			}
			if events[0].SpeedUnitTag != tt.units {
				t.Errorf("unit tag = %q, want %q", events[0].SpeedUnitTag, tt.units)
			}
		})
	}
}

func TestParseBatch_AbsentSpeedAndHeading(t *testing.T) {
	doc := `<Root><AssetEvent><AssetDescription>x</AssetDescription>` +
		`<Telemetry><Speed units="kmh"></Speed><Heading>NaN</Heading></Telemetry></AssetEvent></Root>`
	events, err := ParseBatch(strings.NewReader(doc), units.Kmh)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	e := events[0]
	if e.SpeedRaw != nil || e.SpeedMPS() != nil || e.SpeedKmh() != nil || e.SpeedKnots() != nil {
		t.Error("expected absent speed")
	}
	if e.HeadingDeg != nil {
		t.Errorf("heading = %d, want nil", *e.HeadingDeg)
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := map[string]string{
		"  Truck A ": "truck a",
		"TRUCK A":    "truck a",
		"Straße":     "strasse",
		"":           "",
	}
	for in, want := range tests {
		if got := NormalizeKey(in); got != want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
