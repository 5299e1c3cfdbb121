package uevent

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

// Settings is the configuration surface the merge engine consults. It is
// implemented by the config store and queried once per batch pass.
type Settings interface {
	// UIDAttributes returns the ordered identifying attribute names
	// configured for a kernel device name.
	UIDAttributes(kernel string) []string
	// MergingConfigured reports whether any identifying attribute is
	// configured at all; merging is skipped entirely when none is.
	MergingConfigured() bool
	// ShouldDiscard reports whether events for the kernel device name
	// are blacklisted. Device-mapper names are never passed in.
	ShouldDiscard(kernel string) bool
}

// mergeBatch rewrites a chronologically ordered batch (oldest first) into
// a minimal causally consistent set: blacklisted records are discarded,
// records superseded by later activity on the same device are filtered,
// and same-action records for the same storage unit are merged into the
// latest one. Removed records are released; survivors keep their relative
// order and may carry merged children.
func mergeBatch(batch []*Record, s Settings) []*Record {
	batch = prepareBatch(batch, s)
	needMerge := s.MergingConfigured()

	for i := len(batch) - 1; i >= 0; i-- {
		later := batch[i]

		// Filter earlier uevents made irrelevant by this one.
		for j := i - 1; j >= 0; j-- {
			earlier := batch[j]
			if !canFilter(earlier, later) {
				continue
			}
			logrus.Infof("uevent: %s-%s has filtered by uevent: %s-%s",
				earlier.kernel, earlier.action, later.kernel, later.action)
			earlier.free()
			batch = append(batch[:j], batch[j+1:]...)
			i--
		}

		if !needMerge {
			continue
		}

		// Merge earlier same-unit uevents into this one. The backward
		// scan stops at the first record the stop rule flags; merging
		// across an action reversal would lose intermediate state.
		for j := i - 1; j >= 0; j-- {
			earlier := batch[j]
			if mergeNeedStop(earlier, later) {
				break
			}
			if !canMerge(earlier, later) {
				continue
			}
			logrus.Infof("merged uevent: %s-%s-%s with uevent: %s-%s-%s",
				earlier.action, earlier.kernel, earlier.wwid,
				later.action, later.kernel, later.wwid)
			later.merged = append([]*Record{earlier}, later.merged...)
			batch = append(batch[:j], batch[j+1:]...)
			i--
		}
	}

	return batch
}

// prepareBatch walks newest to oldest, dropping blacklisted records and
// resolving wwids for the rest when merging is configured. Device-mapper
// records are exempt from both.
func prepareBatch(batch []*Record, s Settings) []*Record {
	needMerge := s.MergingConfigured()

	for i := len(batch) - 1; i >= 0; i-- {
		uev := batch[i]
		if !uev.isDM() {
			if s.ShouldDiscard(uev.Kernel()) {
				logrus.Debugf("uevent: %s-%s discarded by blacklist", uev.kernel, uev.action)
				uev.free()
				batch = append(batch[:i], batch[i+1:]...)
				continue
			}
			if needMerge {
				uev.ResolveWWID(s.UIDAttributes(uev.Kernel()))
			}
		}
	}

	return batch
}

func canFilter(earlier, later *Record) bool {
	if later.isDM() || !bytes.Equal(earlier.kernel, later.kernel) {
		return false
	}

	// A later removal supersedes any earlier activity on the device:
	// "add sda | change sda | add sdb | remove sda" reduces to
	// "add sdb | remove sda".
	if later.actionIs("remove") {
		return true
	}

	// A later add supersedes an earlier mere change:
	// "change sda | add sda | add sdb" reduces to "add sda | add sdb".
	if earlier.actionIs("change") && later.actionIs("add") {
		return true
	}

	return false
}

func mergeNeedStop(earlier, later *Record) bool {
	// dm uevents never merge with what precedes them.
	if later.isDM() {
		return true
	}

	// Without both wwids there is no basis for a judgement.
	if earlier.wwid == nil || later.wwid == nil {
		return true
	}

	// An opposite non-change action on the same storage unit ends the
	// scan, otherwise "add sda | remove sda | add sdb | remove sdb"
	// would collapse into one removal that loses the intermediate adds.
	return bytes.Equal(earlier.wwid, later.wwid) &&
		!bytes.Equal(earlier.action, later.action) &&
		!earlier.actionIs("change") &&
		!later.actionIs("change")
}

func canMerge(earlier, later *Record) bool {
	return earlier.wwid != nil && later.wwid != nil &&
		bytes.Equal(earlier.wwid, later.wwid) &&
		bytes.Equal(earlier.action, later.action) &&
		!earlier.actionIs("change") &&
		!earlier.isDM()
}
