// Package encoder turns an ordered frame sequence into ordered code records by
// invoking the codec model once per frame. Encoding is sequential by default;
// with more than one worker, results land in per-frame slots so the output
// order never depends on completion order.
package encoder
