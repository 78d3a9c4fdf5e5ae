package service

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// CredentialQuery is the credential bag extracted from an order's stored
// snapshot, used to locate the slot the order was delivered from when the
// direct inventory_slot_id reference is missing.
type CredentialQuery struct {
	BuyerID      int64
	ProductID    int64
	ProviderID   int64
	Login        string
	Password     string
	ProfileLabel string
}

// Resolution is the best-matching credential pair for an order. A zero
// Resolution (Found=false) is a miss, not an error; callers display "-".
type Resolution struct {
	Found      bool
	SlotID     int64
	AccountID  int64
	SlotLabel  string
	ProfilePIN string
}

// normalizeLogin lowercases and strips the legacy composite encoding
// (base::slot_<label>::<suffix>) so profiles sharing one base login compare
// equal on the base.
func normalizeLogin(login string) string {
	login = strings.ToLower(strings.TrimSpace(login))
	if i := strings.Index(login, "::"); i >= 0 {
		login = login[:i]
	}
	return login
}

// normalizeLabel lowercases, trims and strips the "perfil "/"profile "
// display prefixes older snapshots carry.
func normalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	for _, prefix := range []string{"perfil ", "profile "} {
		if strings.HasPrefix(label, prefix) {
			label = strings.TrimSpace(strings.TrimPrefix(label, prefix))
			break
		}
	}
	return label
}

// labelMatchesSlot reports whether a stored profile label designates the
// slot, either textually or as a bare numeral against the slot index.
func labelMatchesSlot(label string, slot *models.InventorySlot) bool {
	nl := normalizeLabel(label)
	if nl == "" {
		return false
	}
	if normalizeLabel(slot.SlotLabel) == nl {
		return true
	}
	if n, err := strconv.Atoi(nl); err == nil && n == slot.SlotIndex {
		return true
	}
	return false
}

// ResolveCredentials finds the slot whose login, password and profile label
// best match the query, strict first then progressively looser. Deterministic
// given identical inputs: every tie breaks on lowest slot id. No writes.
func ResolveCredentials(accounts []models.InventoryAccount, slots []models.InventorySlot, q CredentialQuery) Resolution {
	accounts = append([]models.InventoryAccount(nil), accounts...)
	slots = append([]models.InventorySlot(nil), slots...)
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })

	slotsByAccount := make(map[int64][]models.InventorySlot, len(accounts))
	for _, s := range slots {
		slotsByAccount[s.InventoryAccountID] = append(slotsByAccount[s.InventoryAccountID], s)
	}

	login := normalizeLogin(q.Login)

	if login != "" {
		tiers := []func(a *models.InventoryAccount) bool{
			func(a *models.InventoryAccount) bool {
				return a.ProviderID == q.ProviderID && a.ProductID == q.ProductID &&
					normalizeLogin(a.LoginUser) == login && a.LoginPassword == q.Password
			},
			func(a *models.InventoryAccount) bool {
				return a.ProductID == q.ProductID && normalizeLogin(a.LoginUser) == login &&
					(q.Password == "" || a.LoginPassword == q.Password)
			},
			func(a *models.InventoryAccount) bool {
				return a.ProductID == q.ProductID && normalizeLogin(a.LoginUser) == login
			},
		}

		for _, match := range tiers {
			var candidates []models.InventorySlot
			for i := range accounts {
				if match(&accounts[i]) {
					candidates = append(candidates, slotsByAccount[accounts[i].ID]...)
				}
			}
			if res, ok := pickSlot(candidates, q.ProfileLabel); ok {
				return res
			}
		}
	}

	// Cross-account fallback: index every slot of the product by its
	// normalized label and by its bare index.
	if res, ok := lookupByLabel(slots, q); ok {
		return res
	}

	// Last resort: slots already assigned to this buyer for the product.
	return resolveFromBuyerSlots(accounts, slots, q)
}

// pickSlot applies the slot preference ladder: label match, then any slot
// with a PIN, then a sole candidate.
func pickSlot(candidates []models.InventorySlot, label string) (Resolution, bool) {
	for i := range candidates {
		if labelMatchesSlot(label, &candidates[i]) {
			return toResolution(&candidates[i]), true
		}
	}
	for i := range candidates {
		if candidates[i].ProfilePIN != "" {
			return toResolution(&candidates[i]), true
		}
	}
	if len(candidates) == 1 {
		return toResolution(&candidates[0]), true
	}
	return Resolution{}, false
}

func lookupByLabel(slots []models.InventorySlot, q CredentialQuery) (Resolution, bool) {
	index := make(map[string]*models.InventorySlot)
	put := func(key string, s *models.InventorySlot) {
		if key == "" {
			return
		}
		if _, taken := index[key]; !taken {
			index[key] = s
		}
	}
	for i := range slots {
		if slots[i].ProductID != q.ProductID {
			continue
		}
		put(normalizeLabel(slots[i].SlotLabel), &slots[i])
		put(strings.ToLower(strings.TrimSpace(slots[i].SlotLabel)), &slots[i])
		put(strconv.Itoa(slots[i].SlotIndex), &slots[i])
	}

	// As given first, then with the display prefix stripped.
	for _, key := range []string{strings.ToLower(strings.TrimSpace(q.ProfileLabel)), normalizeLabel(q.ProfileLabel)} {
		if key == "" {
			continue
		}
		if s, ok := index[key]; ok {
			return toResolution(s), true
		}
	}
	return Resolution{}, false
}

func resolveFromBuyerSlots(accounts []models.InventoryAccount, slots []models.InventorySlot, q CredentialQuery) Resolution {
	if q.BuyerID == 0 {
		return Resolution{}
	}

	accountByID := make(map[int64]*models.InventoryAccount, len(accounts))
	for i := range accounts {
		accountByID[accounts[i].ID] = &accounts[i]
	}

	var owned []models.InventorySlot
	for _, s := range slots {
		if s.ProductID == q.ProductID && s.BuyerID != nil && *s.BuyerID == q.BuyerID {
			owned = append(owned, s)
		}
	}
	if len(owned) == 0 {
		return Resolution{}
	}

	login := normalizeLogin(q.Login)
	if login != "" {
		var narrowed []models.InventorySlot
		for _, s := range owned {
			a := accountByID[s.InventoryAccountID]
			if a == nil || normalizeLogin(a.LoginUser) != login {
				continue
			}
			if q.Password != "" && a.LoginPassword != q.Password {
				continue
			}
			narrowed = append(narrowed, s)
		}
		if len(narrowed) > 0 {
			owned = narrowed
		}
	}

	for i := range owned {
		if labelMatchesSlot(q.ProfileLabel, &owned[i]) {
			return toResolution(&owned[i])
		}
	}
	for i := range owned {
		if owned[i].ProfilePIN != "" {
			return toResolution(&owned[i])
		}
	}
	if len(owned) == 1 {
		return toResolution(&owned[0])
	}
	return Resolution{}
}

func toResolution(s *models.InventorySlot) Resolution {
	label := s.SlotLabel
	if label == "" {
		label = strconv.Itoa(s.SlotIndex)
	}
	return Resolution{
		Found:      true,
		SlotID:     s.ID,
		AccountID:  s.InventoryAccountID,
		SlotLabel:  label,
		ProfilePIN: s.ProfilePIN,
	}
}

// ResolverStore is the read-only slice of the store the resolver consumes.
type ResolverStore interface {
	GetAccountsByProduct(ctx context.Context, productID int64) ([]models.InventoryAccount, error)
	GetSlotsByProduct(ctx context.Context, productID int64) ([]models.InventorySlot, error)
}

// CredentialResolver repairs orders whose inventory_slot_id is missing or
// inconsistent by matching their stored credential snapshot against live
// inventory.
type CredentialResolver struct {
	store  ResolverStore
	logger *zap.Logger
}

// NewCredentialResolver creates a new credential resolver
func NewCredentialResolver(store ResolverStore) *CredentialResolver {
	return &CredentialResolver{
		store:  store,
		logger: util.GetLogger(),
	}
}

// ResolveOrder returns the best-matching credential pair for an order. A miss
// is returned as an empty Resolution, never an error.
func (r *CredentialResolver) ResolveOrder(ctx context.Context, order *models.Order) (Resolution, error) {
	ctx, span := util.StartSpan(ctx, "CredentialResolver.ResolveOrder")
	defer span.End()

	var snap models.CredentialSnapshot
	if len(order.Credentials) > 0 {
		if err := json.Unmarshal(order.Credentials, &snap); err != nil {
			r.logger.Warn("Unparseable credential snapshot, matching without it",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	accounts, err := r.store.GetAccountsByProduct(ctx, order.ProductID)
	if err != nil {
		return Resolution{}, err
	}
	slots, err := r.store.GetSlotsByProduct(ctx, order.ProductID)
	if err != nil {
		return Resolution{}, err
	}

	res := ResolveCredentials(accounts, slots, CredentialQuery{
		BuyerID:      order.BuyerID,
		ProductID:    order.ProductID,
		ProviderID:   order.ProviderID,
		Login:        snap.Login,
		Password:     snap.Password,
		ProfileLabel: snap.Profile,
	})

	if res.Found {
		util.ResolverHitsTotal.Inc()
	} else {
		util.ResolverMissesTotal.Inc()
		r.logger.Info("No credential match for order", zap.Int64("order_id", order.ID))
	}
	return res, nil
}
