package uevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucab/multipath-tools/internal/monitor"
)

type fakeSettings struct {
	uidAttrs []string
	discard  map[string]bool
	merging  bool
}

func (s *fakeSettings) UIDAttributes(string) []string { return s.uidAttrs }
func (s *fakeSettings) MergingConfigured() bool       { return s.merging }
func (s *fakeSettings) ShouldDiscard(kernel string) bool {
	return s.discard[kernel]
}

// pathRecord builds a record for a path device with an ID_SERIAL wwid.
func pathRecord(t *testing.T, action, kernel, serial string) *Record {
	t.Helper()
	return newTestRecord(t, action, "/devices/pci0000:00/host0/block/"+kernel,
		monitor.Property{Name: "ID_SERIAL", Value: serial})
}

// dmRecord builds a record for a device-mapper node.
func dmRecord(t *testing.T, action, kernel string) *Record {
	t.Helper()
	return newTestRecord(t, action, "/devices/virtual/block/"+kernel,
		monitor.Property{Name: "DM_UUID", Value: "mpath-360000000000000001"})
}

// summarize renders a batch as "action kernel(merged)" tuples for
// comparison.
func summarize(batch []*Record) []string {
	var out []string
	for _, r := range batch {
		s := r.Action() + " " + r.Kernel()
		for _, c := range r.Merged() {
			s += " +" + c.Action() + " " + c.Kernel()
		}
		out = append(out, s)
	}
	return out
}

func releaseAll(batch []*Record) {
	for _, r := range batch {
		r.release()
	}
}

func TestMergeBatchFilterLaw(t *testing.T) {
	settings := &fakeSettings{}
	batch := []*Record{
		pathRecord(t, "add", "sda", "W1"),
		pathRecord(t, "change", "sda", "W1"),
		pathRecord(t, "add", "sdb", "W2"),
		pathRecord(t, "remove", "sda", "W1"),
	}
	filtered := []*fakeDevice{
		batch[0].dev.(*fakeDevice),
		batch[1].dev.(*fakeDevice),
	}

	out := mergeBatch(batch, settings)
	defer releaseAll(out)

	assert.Equal(t, []string{"add sdb", "remove sda"}, summarize(out))
	for i, dev := range filtered {
		assert.Equalf(t, 1, dev.unrefs, "filtered record %d device not released", i)
	}
}

func TestMergeBatchAddSupersedesChange(t *testing.T) {
	settings := &fakeSettings{}
	batch := []*Record{
		pathRecord(t, "change", "sda", "W1"),
		pathRecord(t, "add", "sda", "W1"),
		pathRecord(t, "add", "sdb", "W2"),
	}

	out := mergeBatch(batch, settings)
	defer releaseAll(out)

	assert.Equal(t, []string{"add sda", "add sdb"}, summarize(out))
}

func TestMergeBatchMergeLaw(t *testing.T) {
	settings := &fakeSettings{merging: true, uidAttrs: []string{"ID_SERIAL"}}
	batch := []*Record{
		pathRecord(t, "remove", "sda", "W"),
		pathRecord(t, "add", "sda", "W"),
		pathRecord(t, "add", "sdb", "W"),
	}

	out := mergeBatch(batch, settings)
	defer releaseAll(out)

	// add sda and add sdb share wwid and action, so they merge; the
	// stop rule fires at the remove/add reversal, so the remove
	// survives untouched.
	require.Equal(t, []string{"remove sda", "add sdb +add sda"}, summarize(out))
	assert.Equal(t, "W", out[1].Merged()[0].WWID())
}

func TestMergeBatchActionAlternation(t *testing.T) {
	settings := &fakeSettings{merging: true, uidAttrs: []string{"ID_SERIAL"}}
	batch := []*Record{
		pathRecord(t, "add", "sda", "W"),
		pathRecord(t, "remove", "sda", "W"),
		pathRecord(t, "add", "sdb", "W"),
		pathRecord(t, "remove", "sdb", "W"),
		pathRecord(t, "add", "sdc", "W"),
	}

	out := mergeBatch(batch, settings)
	defer releaseAll(out)

	// "add sdb" is filtered by its own later removal; the removals of
	// the two gone paths merge; the reversal boundary keeps the adds of
	// sda and sdc from collapsing across it.
	assert.Equal(t, []string{
		"add sda",
		"remove sdb +remove sda",
		"add sdc",
	}, summarize(out))
}

func TestMergeBatchMergedChildrenOldestFirst(t *testing.T) {
	settings := &fakeSettings{merging: true, uidAttrs: []string{"ID_SERIAL"}}
	batch := []*Record{
		pathRecord(t, "add", "sda", "W"),
		pathRecord(t, "add", "sdb", "W"),
		pathRecord(t, "add", "sdc", "W"),
	}

	out := mergeBatch(batch, settings)
	defer releaseAll(out)

	require.Equal(t, []string{"add sdc +add sda +add sdb"}, summarize(out))
}

func TestMergeBatchChangeNeverMerges(t *testing.T) {
	settings := &fakeSettings{merging: true, uidAttrs: []string{"ID_SERIAL"}}
	batch := []*Record{
		pathRecord(t, "change", "sda", "W"),
		pathRecord(t, "change", "sdb", "W"),
	}

	out := mergeBatch(batch, settings)
	defer releaseAll(out)

	assert.Equal(t, []string{"change sda", "change sdb"}, summarize(out))
}

func TestMergeBatchUnresolvedWWIDStops(t *testing.T) {
	settings := &fakeSettings{merging: true, uidAttrs: []string{"ID_WWN"}}
	// ID_WWN is not among the properties, so no wwid resolves and the
	// stop rule halts every backward scan.
	batch := []*Record{
		pathRecord(t, "add", "sda", "W"),
		pathRecord(t, "add", "sdb", "W"),
	}

	out := mergeBatch(batch, settings)
	defer releaseAll(out)

	assert.Equal(t, []string{"add sda", "add sdb"}, summarize(out))
}

func TestMergeBatchDeviceMapperExemptions(t *testing.T) {
	settings := &fakeSettings{
		merging:  true,
		uidAttrs: []string{"ID_SERIAL"},
		discard:  map[string]bool{"dm-1": true, "sdz": true},
	}
	batch := []*Record{
		pathRecord(t, "add", "sda", "W"),
		pathRecord(t, "add", "sdz", "W"), // blacklisted
		dmRecord(t, "change", "dm-1"),    // blacklisted but dm-exempt
		pathRecord(t, "add", "sdb", "W"),
	}

	out := mergeBatch(batch, settings)
	defer releaseAll(out)

	// The dm record survives the blacklist and never becomes a merge
	// child: its wwid is never resolved, so the backward scan from
	// add sdb stops as soon as it reaches it, keeping add sda separate.
	assert.Equal(t, []string{"add sda", "change dm-1", "add sdb"}, summarize(out))
}

func TestMergeBatchDiscardReleases(t *testing.T) {
	settings := &fakeSettings{discard: map[string]bool{"ram0": true}}
	rec := pathRecord(t, "add", "ram0", "W")
	dev := rec.dev.(*fakeDevice)

	out := mergeBatch([]*Record{rec}, settings)
	defer releaseAll(out)

	assert.Empty(t, out)
	assert.Equal(t, 1, dev.unrefs)
}

func TestMergeBatchCountInvariant(t *testing.T) {
	settings := &fakeSettings{
		merging:  true,
		uidAttrs: []string{"ID_SERIAL"},
		discard:  map[string]bool{"sdz": true},
	}
	batch := []*Record{
		pathRecord(t, "add", "sda", "W1"),
		pathRecord(t, "change", "sda", "W1"),
		pathRecord(t, "add", "sdz", "W3"),
		pathRecord(t, "add", "sdb", "W1"),
		pathRecord(t, "remove", "sda", "W1"),
	}
	in := len(batch)

	out := mergeBatch(batch, settings)
	defer releaseAll(out)

	merged := 0
	seen := map[*Record]bool{}
	for _, r := range out {
		require.False(t, seen[r], "record appears twice")
		seen[r] = true
		for _, c := range r.Merged() {
			require.False(t, seen[c], "merged child also present in batch")
			seen[c] = true
			merged++
		}
	}
	discarded := 1 // sdz
	filtered := in - discarded - merged - len(out)
	assert.Equal(t, in, len(out)+discarded+filtered+merged)
	assert.GreaterOrEqual(t, filtered, 0)
}

func TestMergeBatchOrderInvariant(t *testing.T) {
	settings := &fakeSettings{}
	batch := []*Record{
		pathRecord(t, "add", "sda", "W1"),
		pathRecord(t, "add", "sdb", "W2"),
		pathRecord(t, "change", "sdc", "W3"),
		pathRecord(t, "add", "sdd", "W4"),
	}

	out := mergeBatch(batch, settings)
	defer releaseAll(out)

	// No filter/merge relation between any two records: order preserved.
	assert.Equal(t, []string{"add sda", "add sdb", "change sdc", "add sdd"}, summarize(out))
}

func TestMergeBatchIdempotent(t *testing.T) {
	settings := &fakeSettings{
		merging:  true,
		uidAttrs: []string{"ID_SERIAL"},
		discard:  map[string]bool{"sdz": true},
	}
	batch := []*Record{
		pathRecord(t, "add", "sda", "W"),
		pathRecord(t, "remove", "sda", "W"),
		pathRecord(t, "add", "sdz", "W"),
		pathRecord(t, "add", "sdb", "W"),
		pathRecord(t, "add", "sdc", "W"),
		dmRecord(t, "change", "dm-1"),
	}

	once := mergeBatch(batch, settings)
	first := summarize(once)

	twice := mergeBatch(once, settings)
	defer releaseAll(twice)

	assert.Equal(t, first, summarize(twice))
}
