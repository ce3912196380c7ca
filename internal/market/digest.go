package market

import (
	"encoding/binary"
	"sort"

	"CreditLedger/internal/pool"

	"github.com/holiman/uint256"
)

// AppendDigest appends the market's books to buf in a canonical order for
// state hashing: floating ledger, fixed pools by maturity, positions by
// maturity then account, then deposit shares by account.
func (m *Market) AppendDigest(buf []byte) []byte {
	buf = appendString(buf, m.id)

	f := &m.st.floating
	buf = appendAmounts(buf, f.Assets, f.Debt, f.BackupBorrowed, f.TotalBorrowShares, f.Utilization, f.AssetsAverage, f.EarningsAccumulator)
	buf = binary.LittleEndian.AppendUint64(buf, f.LastDebtUpdate)
	buf = binary.LittleEndian.AppendUint64(buf, f.LastAverageUpdate)
	buf = binary.LittleEndian.AppendUint64(buf, f.LastAccumulatorAccrual)

	for _, maturity := range m.FixedMaturities() {
		p := m.st.fixedPools[maturity]
		buf = binary.LittleEndian.AppendUint64(buf, maturity)
		buf = appendAmounts(buf, p.Borrowed, p.Supplied, p.UnassignedEarnings)
		buf = binary.LittleEndian.AppendUint64(buf, p.LastAccrual)
	}
	buf = appendPositions(buf, 'D', m.st.fixedDeposits)
	buf = appendPositions(buf, 'B', m.st.fixedBorrows)

	for _, account := range sortedKeys(m.st.accounts) {
		a := m.st.accounts[account]
		if a.FloatingBorrowShares.IsZero() {
			continue
		}
		buf = appendString(buf, account)
		buf = appendAmounts(buf, a.FloatingBorrowShares)
	}

	buf = appendAmounts(buf, m.st.totalSupply)
	for _, account := range sortedKeys(m.st.shares) {
		buf = appendString(buf, account)
		buf = appendAmounts(buf, m.st.shares[account])
	}
	return buf
}

func appendPositions(buf []byte, tag byte, table map[uint64]map[string]pool.Position) []byte {
	maturities := make([]uint64, 0, len(table))
	for maturity := range table {
		maturities = append(maturities, maturity)
	}
	sort.Slice(maturities, func(i, j int) bool { return maturities[i] < maturities[j] })
	for _, maturity := range maturities {
		byAccount := table[maturity]
		for _, account := range sortedKeys(byAccount) {
			p := byAccount[account]
			buf = append(buf, tag)
			buf = binary.LittleEndian.AppendUint64(buf, maturity)
			buf = appendString(buf, account)
			buf = appendAmounts(buf, p.Principal, p.Fee)
		}
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendAmounts(buf []byte, amounts ...uint256.Int) []byte {
	for _, a := range amounts {
		b := a.Bytes32()
		buf = append(buf, b[:]...)
	}
	return buf
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
