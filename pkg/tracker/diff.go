package tracker

// SectionDiff is the two-level diff of a single INI section: keys added,
// keys removed, and keys whose value changed (recorded as [old, new]).
type SectionDiff struct {
	Add map[string]string    `json:"add"`
	Del map[string]string    `json:"del"`
	Mod map[string][2]string `json:"mod"`
}

func (s SectionDiff) empty() bool {
	return len(s.Add) == 0 && len(s.Del) == 0 && len(s.Mod) == 0
}

// INIDiff is the structural delta between two parsed INI files: whole
// sections added or removed, plus a per-section SectionDiff for sections
// present in both but changed.
type INIDiff struct {
	Add map[string]map[string]string `json:"add"`
	Del map[string]map[string]string `json:"del"`
	Mod map[string]SectionDiff       `json:"mod"`
}

// Empty reports whether the diff represents no change at all.
func (d INIDiff) Empty() bool {
	return len(d.Add) == 0 && len(d.Del) == 0 && len(d.Mod) == 0
}

// DiffINI computes the two-level add/del/mod delta described for the
// tracker's INI parser.
func DiffINI(old, new map[string]map[string]string) INIDiff {
	diff := INIDiff{
		Add: map[string]map[string]string{},
		Del: map[string]map[string]string{},
		Mod: map[string]SectionDiff{},
	}

	for section, newKeys := range new {
		oldKeys, existed := old[section]
		if !existed {
			diff.Add[section] = cloneStringMap(newKeys)
			continue
		}
		sectionDiff := diffSection(oldKeys, newKeys)
		if !sectionDiff.empty() {
			diff.Mod[section] = sectionDiff
		}
	}
	for section, oldKeys := range old {
		if _, stillPresent := new[section]; !stillPresent {
			diff.Del[section] = cloneStringMap(oldKeys)
		}
	}

	return diff
}

func diffSection(old, new map[string]string) SectionDiff {
	sd := SectionDiff{Add: map[string]string{}, Del: map[string]string{}, Mod: map[string][2]string{}}
	for key, newValue := range new {
		oldValue, existed := old[key]
		if !existed {
			sd.Add[key] = newValue
		} else if oldValue != newValue {
			sd.Mod[key] = [2]string{oldValue, newValue}
		}
	}
	for key, oldValue := range old {
		if _, stillPresent := new[key]; !stillPresent {
			sd.Del[key] = oldValue
		}
	}
	return sd
}

// ApplyReverse undoes this diff against the "new" state (current),
// reconstructing the "old" state it was computed from.
func (d INIDiff) ApplyReverse(current map[string]map[string]string) map[string]map[string]string {
	result := make(map[string]map[string]string, len(current))
	for section, keys := range current {
		result[section] = cloneStringMap(keys)
	}

	for section := range d.Add {
		delete(result, section)
	}
	for section, keys := range d.Del {
		result[section] = cloneStringMap(keys)
	}
	for section, sectionDiff := range d.Mod {
		keys := result[section]
		if keys == nil {
			keys = map[string]string{}
		}
		for key := range sectionDiff.Add {
			delete(keys, key)
		}
		for key, value := range sectionDiff.Del {
			keys[key] = value
		}
		for key, pair := range sectionDiff.Mod {
			keys[key] = pair[0]
		}
		result[section] = keys
	}
	return result
}

func cloneStringMap(m map[string]string) map[string]string {
	clone := make(map[string]string, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// JSONDiff is the one-level add/del/mod delta over a JSON object's
// top-level keys, with deep value equality.
type JSONDiff struct {
	Add map[string]interface{}    `json:"add"`
	Del map[string]interface{}    `json:"del"`
	Mod map[string][2]interface{} `json:"mod"`
}

// Empty reports whether the diff represents no change at all.
func (d JSONDiff) Empty() bool {
	return len(d.Add) == 0 && len(d.Del) == 0 && len(d.Mod) == 0
}

// DiffJSON computes the top-level delta between two parsed JSON objects,
// using deep equality (via deepEqualJSON) to decide whether a shared key's
// value actually changed.
func DiffJSON(old, new map[string]interface{}) JSONDiff {
	diff := JSONDiff{
		Add: map[string]interface{}{},
		Del: map[string]interface{}{},
		Mod: map[string][2]interface{}{},
	}
	for key, newValue := range new {
		oldValue, existed := old[key]
		if !existed {
			diff.Add[key] = newValue
		} else if !deepEqualJSON(oldValue, newValue) {
			diff.Mod[key] = [2]interface{}{oldValue, newValue}
		}
	}
	for key, oldValue := range old {
		if _, stillPresent := new[key]; !stillPresent {
			diff.Del[key] = oldValue
		}
	}
	return diff
}

// ApplyReverse undoes this diff against the "new" state, reconstructing the
// "old" state.
func (d JSONDiff) ApplyReverse(current map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(current))
	for k, v := range current {
		result[k] = v
	}
	for key := range d.Add {
		delete(result, key)
	}
	for key, value := range d.Del {
		result[key] = value
	}
	for key, pair := range d.Mod {
		result[key] = pair[0]
	}
	return result
}

// LineOp is one step of a replayable line-level edit script: "equal" and
// "del" content belongs to the old sequence, "equal" and "add" content
// belongs to the new sequence, so either direction can be replayed by
// filtering on Op.
type LineOp struct {
	Op      string `json:"op"`
	Index   int    `json:"index"`
	Content string `json:"content"`
}

// GenericDiff is the Myers shortest-edit-script delta between two line
// arrays, kept as a fully replayable operation sequence.
type GenericDiff struct {
	Ops []LineOp `json:"ops"`
}

// Empty reports whether the diff represents no change at all.
func (d GenericDiff) Empty() bool {
	for _, op := range d.Ops {
		if op.Op != "equal" {
			return false
		}
	}
	return true
}

// DiffGeneric computes the shortest edit script turning old into new via a
// classic LCS backtrace (Myers' algorithm produces the same minimal script;
// the LCS table is the simpler implementation of the identical result for
// the line counts tracked config files realistically have).
func DiffGeneric(old, new []string) GenericDiff {
	n, m := len(old), len(new)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if old[i] == new[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var ops []LineOp
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case old[i] == new[j]:
			ops = append(ops, LineOp{Op: "equal", Index: j, Content: old[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, LineOp{Op: "del", Index: i, Content: old[i]})
			i++
		default:
			ops = append(ops, LineOp{Op: "add", Index: j, Content: new[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, LineOp{Op: "del", Index: i, Content: old[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, LineOp{Op: "add", Index: j, Content: new[j]})
	}

	return GenericDiff{Ops: ops}
}

// ApplyReverse replays the edit script backward, reconstructing old from
// new.
func (d GenericDiff) ApplyReverse(current []string) []string {
	var result []string
	for _, op := range d.Ops {
		if op.Op == "add" {
			continue
		}
		result = append(result, op.Content)
	}
	return result
}

// ApplyForward replays the edit script forward, reconstructing new from
// old. Nothing in this module calls it.
func (d GenericDiff) ApplyForward(current []string) []string {
	var result []string
	for _, op := range d.Ops {
		if op.Op == "del" {
			continue
		}
		result = append(result, op.Content)
	}
	return result
}

// deepEqualJSON compares two values decoded from encoding/json for
// equality, covering the map/slice/scalar shapes json.Unmarshal produces
// into interface{}.
func deepEqualJSON(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !deepEqualJSON(v, bv[k]) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
