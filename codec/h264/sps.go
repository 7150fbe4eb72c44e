package h264

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
)

// parseSPS decodes the fields of a sequence parameter set the streamer needs.
func parseSPS(sps []byte) (info SPSInfo, err error) {
	if len(sps) < minSPSSize {
		return info, ErrSPSTooShort
	}

	parsed, err := avc.ParseSPSNALUnit(sps, true)
	if err != nil {
		return info, fmt.Errorf("h264parser: parse SPS failed(%w)", err)
	}

	info.ID = uint(parsed.ParameterID)
	info.ProfileIDC = uint(parsed.Profile)
	info.ConstraintSetFlag = uint(parsed.ProfileCompatibility)
	info.LevelIDC = uint(parsed.Level)
	info.Width = uint(parsed.Width)
	info.Height = uint(parsed.Height)

	// Frame rate is num_units_in_tick/time_scale per field pair.
	if vui := parsed.VUI; vui != nil && vui.TimingInfoPresentFlag && vui.NumUnitsInTick > 0 {
		info.FPS = uint(vui.TimeScale / (2 * vui.NumUnitsInTick)) //nolint:mnd
	}
	return info, nil
}
