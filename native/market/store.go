package market

import (
	"bytes"
	"errors"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"termlend/crypto"
	"termlend/storage"
)

// Store persists one market's ledger in a key-value database. Records
// are RLP encoded behind a blake3 checksum so a truncated or corrupted
// value fails loudly instead of feeding the engine garbage, and every
// amount is bounded to 256 bits on the way in.
type Store struct {
	db     storage.Database
	symbol string
	prefix string
}

var (
	errStoreCorrupted = errors.New("market: store record corrupted")
	errAmountTooWide  = errors.New("market: amount exceeds 256 bits")
	errAmountNegative = errors.New("market: negative amount")
)

// NewStore binds a store for the given market symbol. Symbols are
// case-insensitive and share nothing: each market owns its own key
// range.
func NewStore(db storage.Database, symbol string) *Store {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	return &Store{
		db:     db,
		symbol: normalized,
		prefix: "market/" + normalized + "/",
	}
}

// Symbol returns the market symbol the store is bound to.
func (s *Store) Symbol() string {
	return s.symbol
}

func (s *Store) stateKey() []byte {
	return []byte(s.prefix + "state")
}

func (s *Store) poolKey(maturity uint64) []byte {
	return []byte(s.prefix + "pool/" + strconv.FormatUint(maturity, 10))
}

func (s *Store) poolIndexKey() []byte {
	return []byte(s.prefix + "pools")
}

func (s *Store) accountKey(addr []byte) []byte {
	key := make([]byte, 0, len(s.prefix)+5+len(addr))
	key = append(key, s.prefix...)
	key = append(key, "acct/"...)
	return append(key, addr...)
}

func (s *Store) accountIndexKey() []byte {
	return []byte(s.prefix + "accts")
}

type storedEnvelope struct {
	Payload []byte
	Sum     [32]byte
}

func sealRecord(v interface{}) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, err
	}
	env := storedEnvelope{Payload: payload, Sum: blake3.Sum256(payload)}
	return rlp.EncodeToBytes(&env)
}

func openRecord(raw []byte, out interface{}) error {
	var env storedEnvelope
	if err := rlp.DecodeBytes(raw, &env); err != nil {
		return errStoreCorrupted
	}
	if blake3.Sum256(env.Payload) != env.Sum {
		return errStoreCorrupted
	}
	if err := rlp.DecodeBytes(env.Payload, out); err != nil {
		return errStoreCorrupted
	}
	return nil
}

func packAmount(v *big.Int) ([]byte, error) {
	if v == nil || v.Sign() == 0 {
		return nil, nil
	}
	if v.Sign() < 0 {
		return nil, errAmountNegative
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, errAmountTooWide
	}
	return u.Bytes(), nil
}

func unpackAmount(b []byte) (*big.Int, error) {
	if len(b) == 0 {
		return big.NewInt(0), nil
	}
	if len(b) > 32 {
		return nil, errStoreCorrupted
	}
	return new(uint256.Int).SetBytes(b).ToBig(), nil
}

type storedMarket struct {
	SmartPoolAssets        []byte
	SmartPoolShares        []byte
	AssetsAverage          []byte
	LastAverageUpdate      uint64
	EarningsAccumulator    []byte
	LastAccumulatorAccrual uint64
	FlexibleDebt           []byte
	FlexibleBorrowShares   []byte
	LastFlexibleDebtUpdate uint64
	BackupBorrowed         []byte
	TotalFixedBorrowed     []byte
}

type storedPool struct {
	Maturity           uint64
	Borrowed           []byte
	Supplied           []byte
	SuppliedSP         []byte
	UnassignedEarnings []byte
	LastAccrual        uint64
}

type storedPosition struct {
	Maturity  uint64
	Principal []byte
	Fee       []byte
}

type storedAccount struct {
	Address              [20]byte
	SmartPoolShares      []byte
	FlexibleBorrowShares []byte
	FixedDeposits        []storedPosition
	FixedBorrows         []storedPosition
}

// MarketState loads the market level ledger, nil if never written.
func (s *Store) MarketState() (*Market, error) {
	raw, err := s.db.Get(s.stateKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedMarket
	if err := openRecord(raw, &stored); err != nil {
		return nil, err
	}
	return marketFromStored(&stored)
}

// PutMarketState persists the market level ledger.
func (s *Store) PutMarketState(m *Market) error {
	if m == nil {
		return errNilMarket
	}
	stored, err := marketToStored(m)
	if err != nil {
		return err
	}
	sealed, err := sealRecord(stored)
	if err != nil {
		return err
	}
	return s.db.Put(s.stateKey(), sealed)
}

// FixedPool loads the pool at maturity, nil if never written.
func (s *Store) FixedPool(maturity uint64) (*FixedPool, error) {
	raw, err := s.db.Get(s.poolKey(maturity))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedPool
	if err := openRecord(raw, &stored); err != nil {
		return nil, err
	}
	return poolFromStored(&stored)
}

// PutFixedPool persists a pool and records its maturity in the pool
// index.
func (s *Store) PutFixedPool(p *FixedPool) error {
	if p == nil || p.Maturity == 0 {
		return ErrInvalidMaturity
	}
	stored, err := poolToStored(p)
	if err != nil {
		return err
	}
	sealed, err := sealRecord(stored)
	if err != nil {
		return err
	}
	if err := s.db.Put(s.poolKey(p.Maturity), sealed); err != nil {
		return err
	}
	return s.indexMaturity(p.Maturity)
}

// Account loads an account's positions, nil if never written.
func (s *Store) Account(addr crypto.Address) (*Account, error) {
	raw, err := s.db.Get(s.accountKey(addr.Bytes()))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedAccount
	if err := openRecord(raw, &stored); err != nil {
		return nil, err
	}
	return accountFromStored(&stored)
}

// PutAccount persists an account and records its address in the
// account index.
func (s *Store) PutAccount(a *Account) error {
	if a == nil || a.Address.IsZero() {
		return errTreasuryUnset
	}
	stored, err := accountToStored(a)
	if err != nil {
		return err
	}
	sealed, err := sealRecord(stored)
	if err != nil {
		return err
	}
	if err := s.db.Put(s.accountKey(a.Address.Bytes()), sealed); err != nil {
		return err
	}
	return s.indexAccount(stored.Address)
}

// Maturities returns every maturity with a stored pool, ascending.
func (s *Store) Maturities() ([]uint64, error) {
	raw, err := s.db.Get(s.poolIndexKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var index []uint64
	if err := openRecord(raw, &index); err != nil {
		return nil, err
	}
	return index, nil
}

// Accounts returns every address this market has persisted, in byte
// order.
func (s *Store) Accounts() ([]crypto.Address, error) {
	entries, err := s.accountIndex()
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(entries))
	for _, entry := range entries {
		buf := make([]byte, len(entry))
		copy(buf, entry[:])
		out = append(out, crypto.NewAddress(crypto.AccountPrefix, buf))
	}
	return out, nil
}

// Fingerprint hashes the market's entire stored ledger in a fixed key
// order, giving audits a cheap equality check between two snapshots.
func (s *Store) Fingerprint() ([32]byte, error) {
	h := blake3.New(32, nil)
	writeRecord := func(key []byte) error {
		raw, err := s.db.Get(key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		h.Write(key)
		h.Write(raw)
		return nil
	}
	var sum [32]byte
	if err := writeRecord(s.stateKey()); err != nil {
		return sum, err
	}
	maturities, err := s.Maturities()
	if err != nil {
		return sum, err
	}
	for _, maturity := range maturities {
		if err := writeRecord(s.poolKey(maturity)); err != nil {
			return sum, err
		}
	}
	entries, err := s.accountIndex()
	if err != nil {
		return sum, err
	}
	for _, entry := range entries {
		if err := writeRecord(s.accountKey(entry[:])); err != nil {
			return sum, err
		}
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func (s *Store) indexMaturity(maturity uint64) error {
	index, err := s.Maturities()
	if err != nil {
		return err
	}
	at := sort.Search(len(index), func(i int) bool { return index[i] >= maturity })
	if at < len(index) && index[at] == maturity {
		return nil
	}
	index = append(index, 0)
	copy(index[at+1:], index[at:])
	index[at] = maturity
	sealed, err := sealRecord(index)
	if err != nil {
		return err
	}
	return s.db.Put(s.poolIndexKey(), sealed)
}

func (s *Store) accountIndex() ([][20]byte, error) {
	raw, err := s.db.Get(s.accountIndexKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var index [][20]byte
	if err := openRecord(raw, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (s *Store) indexAccount(addr [20]byte) error {
	index, err := s.accountIndex()
	if err != nil {
		return err
	}
	at := sort.Search(len(index), func(i int) bool {
		return bytes.Compare(index[i][:], addr[:]) >= 0
	})
	if at < len(index) && index[at] == addr {
		return nil
	}
	index = append(index, [20]byte{})
	copy(index[at+1:], index[at:])
	index[at] = addr
	sealed, err := sealRecord(index)
	if err != nil {
		return err
	}
	return s.db.Put(s.accountIndexKey(), sealed)
}

func marketToStored(m *Market) (*storedMarket, error) {
	stored := &storedMarket{
		LastAverageUpdate:      m.LastAverageUpdate,
		LastAccumulatorAccrual: m.LastAccumulatorAccrual,
		LastFlexibleDebtUpdate: m.LastFlexibleDebtUpdate,
	}
	fields := []struct {
		dst *[]byte
		src *big.Int
	}{
		{&stored.SmartPoolAssets, m.SmartPoolAssets},
		{&stored.SmartPoolShares, m.SmartPoolShares},
		{&stored.AssetsAverage, m.AssetsAverage},
		{&stored.EarningsAccumulator, m.EarningsAccumulator},
		{&stored.FlexibleDebt, m.FlexibleDebt},
		{&stored.FlexibleBorrowShares, m.FlexibleBorrowShares},
		{&stored.BackupBorrowed, m.BackupBorrowed},
		{&stored.TotalFixedBorrowed, m.TotalFixedBorrowed},
	}
	for _, field := range fields {
		packed, err := packAmount(field.src)
		if err != nil {
			return nil, err
		}
		*field.dst = packed
	}
	return stored, nil
}

func marketFromStored(stored *storedMarket) (*Market, error) {
	m := &Market{
		LastAverageUpdate:      stored.LastAverageUpdate,
		LastAccumulatorAccrual: stored.LastAccumulatorAccrual,
		LastFlexibleDebtUpdate: stored.LastFlexibleDebtUpdate,
	}
	fields := []struct {
		dst **big.Int
		src []byte
	}{
		{&m.SmartPoolAssets, stored.SmartPoolAssets},
		{&m.SmartPoolShares, stored.SmartPoolShares},
		{&m.AssetsAverage, stored.AssetsAverage},
		{&m.EarningsAccumulator, stored.EarningsAccumulator},
		{&m.FlexibleDebt, stored.FlexibleDebt},
		{&m.FlexibleBorrowShares, stored.FlexibleBorrowShares},
		{&m.BackupBorrowed, stored.BackupBorrowed},
		{&m.TotalFixedBorrowed, stored.TotalFixedBorrowed},
	}
	for _, field := range fields {
		amount, err := unpackAmount(field.src)
		if err != nil {
			return nil, err
		}
		*field.dst = amount
	}
	return m, nil
}

func poolToStored(p *FixedPool) (*storedPool, error) {
	stored := &storedPool{Maturity: p.Maturity, LastAccrual: p.LastAccrual}
	fields := []struct {
		dst *[]byte
		src *big.Int
	}{
		{&stored.Borrowed, p.Borrowed},
		{&stored.Supplied, p.Supplied},
		{&stored.SuppliedSP, p.SuppliedSP},
		{&stored.UnassignedEarnings, p.UnassignedEarnings},
	}
	for _, field := range fields {
		packed, err := packAmount(field.src)
		if err != nil {
			return nil, err
		}
		*field.dst = packed
	}
	return stored, nil
}

func poolFromStored(stored *storedPool) (*FixedPool, error) {
	p := &FixedPool{Maturity: stored.Maturity, LastAccrual: stored.LastAccrual}
	fields := []struct {
		dst **big.Int
		src []byte
	}{
		{&p.Borrowed, stored.Borrowed},
		{&p.Supplied, stored.Supplied},
		{&p.SuppliedSP, stored.SuppliedSP},
		{&p.UnassignedEarnings, stored.UnassignedEarnings},
	}
	for _, field := range fields {
		amount, err := unpackAmount(field.src)
		if err != nil {
			return nil, err
		}
		*field.dst = amount
	}
	return p, nil
}

func accountToStored(a *Account) (*storedAccount, error) {
	stored := &storedAccount{}
	copy(stored.Address[:], a.Address.Bytes())
	shares, err := packAmount(a.SmartPoolShares)
	if err != nil {
		return nil, err
	}
	stored.SmartPoolShares = shares
	borrowShares, err := packAmount(a.FlexibleBorrowShares)
	if err != nil {
		return nil, err
	}
	stored.FlexibleBorrowShares = borrowShares
	stored.FixedDeposits, err = positionsToStored(a.FixedDeposits)
	if err != nil {
		return nil, err
	}
	stored.FixedBorrows, err = positionsToStored(a.FixedBorrows)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func accountFromStored(stored *storedAccount) (*Account, error) {
	addr := make([]byte, len(stored.Address))
	copy(addr, stored.Address[:])
	a := &Account{Address: crypto.NewAddress(crypto.AccountPrefix, addr)}
	shares, err := unpackAmount(stored.SmartPoolShares)
	if err != nil {
		return nil, err
	}
	a.SmartPoolShares = shares
	borrowShares, err := unpackAmount(stored.FlexibleBorrowShares)
	if err != nil {
		return nil, err
	}
	a.FlexibleBorrowShares = borrowShares
	a.FixedDeposits, err = positionsFromStored(stored.FixedDeposits)
	if err != nil {
		return nil, err
	}
	a.FixedBorrows, err = positionsFromStored(stored.FixedBorrows)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// positionsToStored flattens a position map into a maturity sorted
// slice so the encoding is deterministic. Empty positions are dropped.
func positionsToStored(positions map[uint64]*Position) ([]storedPosition, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	maturities := make([]uint64, 0, len(positions))
	for maturity, pos := range positions {
		if pos == nil || pos.Total().Sign() == 0 {
			continue
		}
		maturities = append(maturities, maturity)
	}
	sort.Slice(maturities, func(i, j int) bool { return maturities[i] < maturities[j] })
	out := make([]storedPosition, 0, len(maturities))
	for _, maturity := range maturities {
		pos := positions[maturity]
		principal, err := packAmount(pos.Principal)
		if err != nil {
			return nil, err
		}
		fee, err := packAmount(pos.Fee)
		if err != nil {
			return nil, err
		}
		out = append(out, storedPosition{Maturity: maturity, Principal: principal, Fee: fee})
	}
	return out, nil
}

func positionsFromStored(stored []storedPosition) (map[uint64]*Position, error) {
	out := make(map[uint64]*Position, len(stored))
	for _, entry := range stored {
		principal, err := unpackAmount(entry.Principal)
		if err != nil {
			return nil, err
		}
		fee, err := unpackAmount(entry.Fee)
		if err != nil {
			return nil, err
		}
		out[entry.Maturity] = &Position{Principal: principal, Fee: fee}
	}
	return out, nil
}
