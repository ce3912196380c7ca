package auditor

import (
	"encoding/binary"
	"sort"
)

// AppendDigest appends listings, incentive and memberships to buf in a
// canonical order.
func (a *Auditor) AppendDigest(buf []byte) []byte {
	for _, id := range a.reg.order {
		l := a.reg.markets[id]
		buf = appendString(buf, id)
		f := l.data.AdjustFactor.Bytes32()
		buf = append(buf, f[:]...)
		buf = append(buf, l.data.Decimals)
	}
	liq := a.reg.incentive.Liquidator.Bytes32()
	lenders := a.reg.incentive.Lenders.Bytes32()
	buf = append(buf, liq[:]...)
	buf = append(buf, lenders[:]...)

	accounts := make([]string, 0, len(a.reg.accountMarkets))
	for account := range a.reg.accountMarkets {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		buf = appendString(buf, account)
		for _, id := range a.AccountMarkets(account) {
			buf = appendString(buf, id)
		}
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}
