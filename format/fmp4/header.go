// Package fmp4 produces a live fragmented MP4 stream of a single H.264 track:
// one static ftyp+moov header followed by one moof+mdat fragment per frame.
package fmp4

import (
	"io"

	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/codec/h264"
	"github.com/ugparu/fmp4streamer/format/mp4/mp4io"
	"github.com/ugparu/fmp4streamer/utils"
)

const (
	// TrackID is the id of the only track in the stream.
	TrackID = 1

	handlerName = "fmp4streamer"
)

var vide = mp4io.StringToTag("vide")

// WriteHeader writes the ftyp and moov boxes for the given track to w with a
// single Write call. The codec parameters must carry a non-empty SPS and PPS.
func WriteHeader(w io.Writer, track fmp4streamer.Track, par *h264.CodecParameters) error {
	if !complete(par) {
		return utils.NoCodecDataError{}
	}
	return mp4io.WriteAtoms(w, mp4io.NewFileType(), movie(track, par.AVCDecoderConfRecordBytes()))
}

func complete(par *h264.CodecParameters) bool {
	return par != nil && len(par.RecordInfo.SPS) > 0 && len(par.RecordInfo.PPS) > 0 &&
		len(par.SPS()) > 0 && len(par.PPS()) > 0
}

func movie(track fmp4streamer.Track, record []byte) *mp4io.Container {
	stbl := mp4io.NewContainer(mp4io.STBL, &mp4io.SampleDesc{
		AVC1: mp4io.NewAVC1Desc(track.Width, track.Height, record),
	})
	stbl.Atoms = append(stbl.Atoms, mp4io.EmptySampleTables()...)

	minf := mp4io.NewContainer(mp4io.MINF,
		&mp4io.VideoMediaInfo{},
		mp4io.NewContainer(mp4io.DINF, &mp4io.DataRefer{}),
		stbl,
	)
	mdia := mp4io.NewContainer(mp4io.MDIA,
		&mp4io.MediaHeader{TimeScale: track.Timescale, Language: mp4io.LanguageUndetermined},
		&mp4io.HandlerRefer{Type: vide, Name: handlerName},
		minf,
	)
	trak := mp4io.NewContainer(mp4io.TRAK,
		mp4io.NewTrackHeader(TrackID, track.Width, track.Height, int(track.Rotation)),
		mdia,
	)
	mvex := mp4io.NewContainer(mp4io.MVEX,
		&mp4io.MovieExtendsHeader{},
		&mp4io.TrackExtend{
			TrackID:              TrackID,
			DefaultSampleDescIdx: 1,
			DefaultSampleFlags:   mp4io.SampleIsNonSync,
		},
	)
	return mp4io.NewContainer(mp4io.MOOV, mp4io.NewMovieHeader(track.Timescale), trak, mvex)
}
