package fatfs

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// Attribute bits of a directory entry.
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	lastLongEntry  = 0x40
	deletedEntry   = 0xE5
	lfnCharsPerEnt = 13
	maxLFNEntries  = 20

	// ntLowerBase and ntLowerExt are the case hints some systems store in
	// the reserved byte of a short entry.
	ntLowerBase = 0x08
	ntLowerExt  = 0x10
)

var lfnOffsets = [lfnCharsPerEnt]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

var (
	dotName    = []byte(".          ")
	dotDotName = []byte("..         ")
)

const shortSpecials = "!#$%&'()-@^_`{}~"

func validShortChar(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || strings.ContainsRune(shortSpecials, r)
}

// isShortName reports whether name is stored as a bare 8.3 entry with no
// long-name entries in front of it.
func isShortName(name string) bool {
	if name == "" || name[0] == '.' || strings.Count(name, ".") > 1 {
		return false
	}
	base, ext := name, ""
	if i := strings.IndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
		if ext == "" {
			return false
		}
	}
	if len(base) > 8 || len(ext) > 3 {
		return false
	}
	for _, r := range base + ext {
		if !validShortChar(r) {
			return false
		}
	}
	return true
}

// shortBasis derives the upper-case 8.3 basis of a long name. lossy is set
// when information was dropped and a numeric tail is required.
func shortBasis(name string) (base, ext string, lossy bool) {
	up := strings.ToUpper(name)
	trimmed := strings.TrimLeft(up, ". ")
	lossy = trimmed != up
	base = trimmed
	if i := strings.LastIndexByte(trimmed, '.'); i >= 0 {
		base, ext = trimmed[:i], trimmed[i+1:]
	}
	clean := func(s string, max int) string {
		var b strings.Builder
		for _, r := range s {
			switch {
			case r == ' ' || r == '.':
				lossy = true
				continue
			case !validShortChar(r):
				lossy = true
				r = '_'
			}
			if b.Len() == max {
				lossy = true
				break
			}
			b.WriteRune(r)
		}
		return b.String()
	}
	base, ext = clean(base, 8), clean(ext, 3)
	if base == "" {
		base, lossy = "_", true
	}
	return base, ext, lossy
}

func packShort(base, ext string) string {
	return base + strings.Repeat(" ", 8-len(base)) + ext + strings.Repeat(" ", 3-len(ext))
}

// shortNameFor picks the 11-byte short name for name among the names in
// used. needsLFN reports whether long-name entries must precede it.
func shortNameFor(name string, used map[string]bool) (short string, needsLFN bool) {
	if isShortName(name) {
		base, ext, _ := strings.Cut(name, ".")
		if s := packShort(base, ext); !used[s] {
			return s, false
		}
	}
	base, ext, lossy := shortBasis(name)
	if s := packShort(base, ext); !lossy && !used[s] {
		return s, true
	}
	for i := 1; ; i++ {
		tail := "~" + strconv.Itoa(i)
		b := base
		if len(b)+len(tail) > 8 {
			b = b[:8-len(tail)]
		}
		if s := packShort(b+tail, ext); !used[s] {
			return s, true
		}
	}
}

// formatShort turns an 11-byte short name into its dotted display form.
func formatShort(short []byte, ntres byte) string {
	clean := func(b []byte, lower bool) string {
		s := make([]byte, 0, len(b))
		for _, c := range b {
			if c >= 0x80 {
				c = '_'
			}
			s = append(s, c)
		}
		out := strings.TrimRight(string(s), " ")
		if lower {
			out = strings.ToLower(out)
		}
		return out
	}
	base := clean(short[:8], ntres&ntLowerBase != 0)
	ext := clean(short[8:11], ntres&ntLowerExt != 0)
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func shortChecksum(short []byte) byte {
	var sum byte
	for _, c := range short[:11] {
		sum = (sum >> 1) | (sum << 7)
		sum += c
	}
	return sum
}

// lfnSlots is the number of long-name entries stored for name.
func lfnSlots(name string) uint32 {
	return uint32((len(utf16.Encode([]rune(name))) + lfnCharsPerEnt - 1) / lfnCharsPerEnt)
}

// appendLFN appends the long-name entries of name, last part first.
func appendLFN(out []byte, name string, sum byte) []byte {
	units := utf16.Encode([]rune(name))
	n := (len(units) + lfnCharsPerEnt - 1) / lfnCharsPerEnt
	for i := n; i >= 1; i-- {
		e := make([]byte, dirEntrySize)
		e[0] = byte(i)
		if i == n {
			e[0] |= lastLongEntry
		}
		e[11] = attrLongName
		e[13] = sum
		for j, off := range lfnOffsets {
			k := (i-1)*lfnCharsPerEnt + j
			var u uint16
			switch {
			case k < len(units):
				u = units[k]
			case k == len(units):
				u = 0
			default:
				u = 0xFFFF
			}
			binary.LittleEndian.PutUint16(e[off:], u)
		}
		out = append(out, e...)
	}
	return out
}

var fatEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// encodeTime converts t to the FAT date and time fields. Times are stored
// in UTC and clamped to the range FAT can express.
func encodeTime(t time.Time) (date, tod uint16, tenth byte) {
	t = t.UTC()
	if t.Before(fatEpoch) {
		t = fatEpoch
	}
	if t.Year() > 2107 {
		t = time.Date(2107, 12, 31, 23, 59, 59, 0, time.UTC)
	}
	date = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	tod = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	tenth = byte((t.Second()%2)*100 + t.Nanosecond()/10_000_000)
	return date, tod, tenth
}

func decodeTime(date, tod uint16, tenth byte) time.Time {
	if date == 0 {
		return fatEpoch
	}
	month := time.Month((date >> 5) & 0x0F)
	if month < time.January || month > time.December {
		month = time.January
	}
	day := int(date & 0x1F)
	if day == 0 {
		day = 1
	}
	if tenth > 199 {
		tenth = 0
	}
	sec := int(tod&0x1F)*2 + int(tenth)/100
	nsec := int(tenth%100) * 10_000_000
	return time.Date(1980+int(date>>9), month, day, int(tod>>11), int((tod>>5)&0x3F), sec, nsec, time.UTC)
}

// shortEntry encodes the 32-byte entry of a file or directory.
func shortEntry(short []byte, ntres, attr byte, first, size uint32, created, accessed, modified time.Time) []byte {
	le := binary.LittleEndian
	e := make([]byte, dirEntrySize)
	copy(e, short)
	if e[0] == deletedEntry {
		e[0] = 0x05
	}
	e[11] = attr
	e[12] = ntres
	cdate, ctime, ctenth := encodeTime(created)
	e[13] = ctenth
	le.PutUint16(e[14:], ctime)
	le.PutUint16(e[16:], cdate)
	adate, _, _ := encodeTime(accessed)
	le.PutUint16(e[18:], adate)
	le.PutUint16(e[20:], uint16(first>>16))
	mdate, mtime, _ := encodeTime(modified)
	le.PutUint16(e[22:], mtime)
	le.PutUint16(e[24:], mdate)
	le.PutUint16(e[26:], uint16(first))
	le.PutUint32(e[28:], size)
	return e
}

func labelEntry(label string) []byte {
	e := make([]byte, dirEntrySize)
	copy(e, paddedLabel(label))
	e[11] = attrVolumeID
	return e
}

// rawEntry is a decoded file or directory entry.
type rawEntry struct {
	name     string
	short    string
	lfn      bool
	ntres    byte
	attr     byte
	first    uint32
	size     uint32
	created  time.Time
	accessed time.Time
	modified time.Time
}

// parseDir decodes the entries of a directory. Long names are used when
// their checksum matches the short entry that follows them. The "." and
// ".." entries are skipped and a volume label entry is returned apart.
func parseDir(data []byte, typ fatType) (entries []rawEntry, label string) {
	le := binary.LittleEndian
	var (
		units   []uint16
		next    int
		sum     byte
		pending bool
	)
	for off := 0; off+dirEntrySize <= len(data); off += dirEntrySize {
		e := data[off : off+dirEntrySize]
		if e[0] == 0 {
			break
		}
		if e[0] == deletedEntry {
			pending = false
			continue
		}
		attr := e[11]
		if attr&0x3F == attrLongName {
			ord := int(e[0] & 0x1F)
			if e[0]&lastLongEntry != 0 {
				if ord == 0 || ord > maxLFNEntries {
					pending = false
					continue
				}
				units = make([]uint16, ord*lfnCharsPerEnt)
				next, sum, pending = ord, e[13], true
			}
			if !pending || ord != next || e[13] != sum {
				pending = false
				continue
			}
			for j, o := range lfnOffsets {
				units[(ord-1)*lfnCharsPerEnt+j] = le.Uint16(e[o:])
			}
			next--
			continue
		}

		long := ""
		if pending && next == 0 && shortChecksum(e[:11]) == sum {
			long = decodeUnits(units)
		}
		pending = false

		if attr&attrVolumeID != 0 {
			if attr&attrDirectory == 0 {
				label = strings.TrimRight(string(e[:11]), " ")
			}
			continue
		}
		short := append([]byte(nil), e[:11]...)
		if short[0] == 0x05 {
			short[0] = deletedEntry
		}
		if string(short) == string(dotName) || string(short) == string(dotDotName) {
			continue
		}
		name := long
		if name == "" {
			name = formatShort(short, e[12])
		}
		first := uint32(le.Uint16(e[26:]))
		if typ == fat32 {
			first |= uint32(le.Uint16(e[20:])) << 16
		}
		entries = append(entries, rawEntry{
			name:     name,
			short:    string(short),
			lfn:      long != "",
			ntres:    e[12] & (ntLowerBase | ntLowerExt),
			attr:     attr,
			first:    first,
			size:     le.Uint32(e[28:]),
			created:  decodeTime(le.Uint16(e[16:]), le.Uint16(e[14:]), e[13]),
			accessed: decodeTime(le.Uint16(e[18:]), 0, 0),
			modified: decodeTime(le.Uint16(e[24:]), le.Uint16(e[22:]), 0),
		})
	}
	return entries, label
}

func decodeUnits(units []uint16) string {
	for i, u := range units {
		if u == 0 || u == 0xFFFF {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}
