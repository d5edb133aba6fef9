// Package identity assigns a stable display name and color to a cursor
// id, the way Gollaborate's users and cursor packages assigned a name
// and color to each connected client. Assignment is keyed by a hash of
// the cursor id rather than a sequential connection counter, since
// cursor ids here are actor-id-derived and must stay the same across
// restarts and agree across every peer that sees the same id.
package identity

// palette mirrors the fixed color set Gollaborate's users.Manager cycled
// through by connection order; here it is indexed by hash instead.
var palette = []string{
	"#FF5733", "#33FF57", "#3357FF", "#FF33F1",
	"#F1FF33", "#33FFF1", "#FF8C33", "#8C33FF",
	"#33FF8C", "#FF3333", "#33FFFF", "#FFFF33",
	"#8B4513", "#FF1493", "#00CED1", "#FFD700",
	"#32CD32", "#FF4500", "#9370DB", "#00FA9A",
	"#FF6347", "#4169E1", "#FF69B4",
}

var adjectives = []string{
	"Swift", "Quiet", "Brave", "Lucky", "Calm", "Eager", "Bold", "Gentle",
}

var animals = []string{
	"Otter", "Falcon", "Lynx", "Heron", "Badger", "Marten", "Osprey", "Wren",
}

func hash(id string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	return h
}

// ColorFor returns a deterministic display color for id, stable across
// every peer so a given cursor id always renders the same color.
func ColorFor(id string) string {
	return palette[hash(id)%uint32(len(palette))]
}

// NameFor returns a deterministic two-word display name for id, used as
// a fallback when nothing more specific is available.
func NameFor(id string) string {
	h := hash(id)
	adj := adjectives[h%uint32(len(adjectives))]
	animal := animals[(h/uint32(len(adjectives)))%uint32(len(animals))]
	return adj + " " + animal
}
