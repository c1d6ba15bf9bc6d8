package download

// progress reports download progress every interval bytes and whenever
// another tenth of the expected size is crossed.
type progress struct {
	total      uint64
	written    uint64
	lastReport uint64
	interval   uint64
	onProgress func(written, total uint64)
}

func newProgress(start, total, interval uint64, cb func(written, total uint64)) *progress {
	return &progress{
		total:      total,
		written:    start,
		lastReport: start,
		interval:   interval,
		onProgress: cb,
	}
}

func (p *progress) add(n int) {
	if n <= 0 {
		return
	}

	before := p.written
	p.written += uint64(n)

	crossedTenth := p.total > 0 && p.written*10/p.total != before*10/p.total
	if p.written-p.lastReport >= p.interval || crossedTenth {
		p.onProgress(p.written, p.total)
		p.lastReport = p.written
	}
}
