package gemapi

// GemPack is a purchasable bundle of gems.
type GemPack struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Gems int64  `json:"gems"`
}

var gemPacks = []GemPack{
	{ID: "starter", Name: "Starter", Gems: 100},
	{ID: "standard", Name: "Standard", Gems: 500},
	{ID: "premium", Name: "Premium", Gems: 1200},
	{ID: "mega", Name: "Mega", Gems: 3000},
}

// GemPacks returns the catalog in display order.
func GemPacks() []GemPack {
	packs := make([]GemPack, len(gemPacks))
	copy(packs, gemPacks)
	return packs
}

// FindGemPack looks a pack up by id.
func FindGemPack(id string) (GemPack, bool) {
	for _, pack := range gemPacks {
		if pack.ID == id {
			return pack, true
		}
	}
	return GemPack{}, false
}
