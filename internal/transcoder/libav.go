package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
)

const (
	libavVideoEncoder = "libvpx-vp9"
	libavAudioEncoder = "libvorbis"
	libavVideoBitrate = 500_000
	libavAudioBitrate = 96_000
	libavVideoCRF     = "30"
)

var libavLogOnce sync.Once

// LibraryAvailable reports whether the libav build provides the encoders
// the library strategy needs.
func LibraryAvailable() error {
	for _, name := range []string{libavVideoEncoder, libavAudioEncoder} {
		if astiav.FindEncoderByName(name) == nil {
			return fmt.Errorf("%w: %s not compiled into libavcodec", ErrEncoderUnavailable, name)
		}
	}
	return nil
}

// libavStream carries one input stream through decode, conversion and
// encode.
type libavStream struct {
	media     astiav.MediaType
	inStream  *astiav.Stream
	outStream *astiav.Stream
	dec       *astiav.CodecContext
	enc       *astiav.CodecContext

	decoded   *astiav.Frame
	converted *astiav.Frame
	packet    *astiav.Packet

	scaler    *astiav.SoftwareScaleContext
	resampler *astiav.SoftwareResampleContext
	fifo      *astiav.AudioFifo
	nextPts   int64
}

type libavSession struct {
	ctx     context.Context
	input   *astiav.FormatContext
	output  *astiav.FormatContext
	pb      *astiav.IOContext
	packet  *astiav.Packet
	streams map[int]*libavStream
	info    MediaInfo
}

func openLibavSession(ctx context.Context, input, output string, opts SessionOptions) (FrameSession, error) {
	libavLogOnce.Do(func() {
		astiav.SetLogLevel(astiav.LogLevelError)
	})

	s := &libavSession{
		ctx:     ctx,
		packet:  astiav.AllocPacket(),
		streams: make(map[int]*libavStream),
	}
	if err := s.open(input, output, opts); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *libavSession) open(input, output string, opts SessionOptions) error {
	if s.input = astiav.AllocFormatContext(); s.input == nil {
		return errors.New("failed to allocate input context")
	}
	if err := s.input.OpenInput(input, nil, nil); err != nil {
		s.input.Free()
		s.input = nil
		return fmt.Errorf("failed to open input: %w", err)
	}
	if err := s.input.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("failed to read stream info: %w", err)
	}

	out, err := astiav.AllocOutputFormatContext(nil, "webm", output)
	if err != nil {
		return fmt.Errorf("failed to allocate output context: %w", err)
	}
	s.output = out

	var haveVideo, haveAudio bool
	for _, in := range s.input.Streams() {
		switch media := in.CodecParameters().MediaType(); {
		case media == astiav.MediaTypeVideo && !haveVideo:
			st, err := s.openVideo(in, opts)
			if err != nil {
				return err
			}
			s.streams[in.Index()] = st
			haveVideo = true
		case media == astiav.MediaTypeAudio && !haveAudio:
			st, err := s.openAudio(in, opts)
			if err != nil {
				return err
			}
			s.streams[in.Index()] = st
			haveAudio = true
		}
	}
	if !haveVideo && !haveAudio {
		return errors.New("input has no audio or video stream")
	}
	s.info.HasAudio = haveAudio
	if d := s.input.Duration(); d > 0 {
		s.info.Duration = time.Duration(d) * time.Microsecond
	}

	if !s.output.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		pb, err := astiav.OpenIOContext(output, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
		if err != nil {
			return fmt.Errorf("failed to open output: %w", err)
		}
		s.pb = pb
		s.output.SetPb(pb)
	}

	if err := s.output.WriteHeader(nil); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

func (s *libavSession) openDecoder(in *astiav.Stream, opts SessionOptions) (*astiav.CodecContext, error) {
	codec := astiav.FindDecoder(in.CodecParameters().CodecID())
	if codec == nil {
		return nil, fmt.Errorf("no decoder for stream %d", in.Index())
	}
	dec := astiav.AllocCodecContext(codec)
	if dec == nil {
		return nil, errors.New("failed to allocate decoder context")
	}
	if err := in.CodecParameters().ToCodecContext(dec); err != nil {
		dec.Free()
		return nil, fmt.Errorf("failed to copy decoder parameters: %w", err)
	}
	if in.CodecParameters().MediaType() == astiav.MediaTypeVideo {
		dec.SetFramerate(s.input.GuessFrameRate(in, nil))
	}
	if opts.Threads > 0 {
		dec.SetThreadCount(opts.Threads)
	}
	if err := dec.Open(codec, nil); err != nil {
		dec.Free()
		return nil, fmt.Errorf("failed to open decoder: %w", err)
	}
	return dec, nil
}

func (s *libavSession) openEncoder(name string) (*astiav.Codec, *astiav.CodecContext, error) {
	codec := astiav.FindEncoderByName(name)
	if codec == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrEncoderUnavailable, name)
	}
	enc := astiav.AllocCodecContext(codec)
	if enc == nil {
		return nil, nil, fmt.Errorf("failed to allocate %s context", name)
	}
	if s.output.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader) {
		enc.SetFlags(enc.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}
	return codec, enc, nil
}

func (s *libavSession) openVideo(in *astiav.Stream, opts SessionOptions) (*libavStream, error) {
	dec, err := s.openDecoder(in, opts)
	if err != nil {
		return nil, err
	}
	st := &libavStream{media: astiav.MediaTypeVideo, inStream: in, dec: dec}

	codec, enc, err := s.openEncoder(libavVideoEncoder)
	if err != nil {
		st.free()
		return nil, err
	}
	st.enc = enc

	frameRate := dec.Framerate()
	if frameRate.Num() <= 0 || frameRate.Den() <= 0 {
		frameRate = astiav.NewRational(25, 1)
	}
	enc.SetWidth(dec.Width())
	enc.SetHeight(dec.Height())
	enc.SetPixelFormat(astiav.PixelFormatYuv420P)
	enc.SetSampleAspectRatio(dec.SampleAspectRatio())
	enc.SetFramerate(frameRate)
	enc.SetTimeBase(frameRate.Invert())
	enc.SetBitRate(libavVideoBitrate)
	if opts.Threads > 0 {
		enc.SetThreadCount(opts.Threads)
	}

	dict := astiav.NewDictionary()
	defer dict.Free()
	if err := dict.Set("crf", libavVideoCRF, astiav.NewDictionaryFlags()); err != nil {
		st.free()
		return nil, fmt.Errorf("failed to set crf: %w", err)
	}
	if err := enc.Open(codec, dict); err != nil {
		st.free()
		return nil, fmt.Errorf("failed to open %s: %w", libavVideoEncoder, err)
	}

	if err := st.attachOutput(s.output); err != nil {
		st.free()
		return nil, err
	}

	st.decoded = astiav.AllocFrame()
	st.converted = astiav.AllocFrame()
	st.packet = astiav.AllocPacket()

	s.info.Width = dec.Width()
	s.info.Height = dec.Height()
	s.info.FrameRate = frameRate.Float64()
	s.info.Frames = in.NbFrames()
	return st, nil
}

func (s *libavSession) openAudio(in *astiav.Stream, opts SessionOptions) (*libavStream, error) {
	dec, err := s.openDecoder(in, opts)
	if err != nil {
		return nil, err
	}
	st := &libavStream{media: astiav.MediaTypeAudio, inStream: in, dec: dec}

	codec, enc, err := s.openEncoder(libavAudioEncoder)
	if err != nil {
		st.free()
		return nil, err
	}
	st.enc = enc

	// Vorbis accepts the input sample rate as is
	enc.SetSampleRate(dec.SampleRate())
	enc.SetChannelLayout(dec.ChannelLayout())
	enc.SetSampleFormat(astiav.SampleFormatFltp)
	enc.SetTimeBase(astiav.NewRational(1, dec.SampleRate()))
	enc.SetBitRate(libavAudioBitrate)

	if err := enc.Open(codec, nil); err != nil {
		st.free()
		return nil, fmt.Errorf("failed to open %s: %w", libavAudioEncoder, err)
	}

	if err := st.attachOutput(s.output); err != nil {
		st.free()
		return nil, err
	}

	st.decoded = astiav.AllocFrame()
	st.converted = astiav.AllocFrame()
	st.packet = astiav.AllocPacket()
	st.resampler = astiav.AllocSoftwareResampleContext()
	st.fifo = astiav.AllocAudioFifo(enc.SampleFormat(), enc.ChannelLayout().Channels(), enc.FrameSize())
	return st, nil
}

func (st *libavStream) attachOutput(output *astiav.FormatContext) error {
	st.outStream = output.NewStream(nil)
	if st.outStream == nil {
		return errors.New("failed to create output stream")
	}
	if err := st.outStream.CodecParameters().FromCodecContext(st.enc); err != nil {
		return fmt.Errorf("failed to copy encoder parameters: %w", err)
	}
	st.outStream.SetTimeBase(st.enc.TimeBase())
	return nil
}

// Info implements FrameSession.
func (s *libavSession) Info() MediaInfo {
	return s.info
}

// Step implements FrameSession.
func (s *libavSession) Step() (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}

	if err := s.input.ReadFrame(s.packet); err != nil {
		if errors.Is(err, astiav.ErrEof) {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("failed to read packet: %w", err)
	}
	defer s.packet.Unref()

	st, ok := s.streams[s.packet.StreamIndex()]
	if !ok {
		return 0, nil
	}
	if err := st.dec.SendPacket(s.packet); err != nil {
		return 0, fmt.Errorf("failed to send packet: %w", err)
	}
	return s.drainDecoder(st)
}

func (s *libavSession) drainDecoder(st *libavStream) (int, error) {
	frames := 0
	for {
		if err := st.dec.ReceiveFrame(st.decoded); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return frames, nil
			}
			return frames, fmt.Errorf("failed to decode: %w", err)
		}

		var err error
		if st.media == astiav.MediaTypeVideo {
			err = s.encodeVideo(st)
			frames++
		} else {
			err = s.encodeAudio(st)
		}
		st.decoded.Unref()
		if err != nil {
			return frames, err
		}
	}
}

func (s *libavSession) encodeVideo(st *libavStream) error {
	src := st.decoded
	if st.scaler == nil {
		scaler, err := astiav.CreateSoftwareScaleContext(
			src.Width(), src.Height(), src.PixelFormat(),
			st.enc.Width(), st.enc.Height(), st.enc.PixelFormat(),
			astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
		)
		if err != nil {
			return fmt.Errorf("failed to create scaler: %w", err)
		}
		st.scaler = scaler
	}

	dst := st.converted
	dst.SetWidth(st.enc.Width())
	dst.SetHeight(st.enc.Height())
	dst.SetPixelFormat(st.enc.PixelFormat())
	if err := st.scaler.ScaleFrame(src, dst); err != nil {
		return fmt.Errorf("failed to scale frame: %w", err)
	}
	defer dst.Unref()

	dst.SetPts(st.nextPts)
	st.nextPts++
	return s.encode(st, dst)
}

func (s *libavSession) encodeAudio(st *libavStream) error {
	dst := st.converted
	dst.SetChannelLayout(st.enc.ChannelLayout())
	dst.SetSampleFormat(st.enc.SampleFormat())
	dst.SetSampleRate(st.enc.SampleRate())
	if err := st.resampler.ConvertFrame(st.decoded, dst); err != nil {
		return fmt.Errorf("failed to resample: %w", err)
	}
	_, err := st.fifo.Write(dst)
	dst.Unref()
	if err != nil {
		return fmt.Errorf("failed to buffer samples: %w", err)
	}
	return s.drainFifo(st, false)
}

// drainFifo encodes buffered samples in encoder-sized frames. With flush
// set, a final short frame is encoded too.
func (s *libavSession) drainFifo(st *libavStream, flush bool) error {
	frameSize := st.enc.FrameSize()
	if frameSize <= 0 {
		frameSize = st.fifo.Size()
	}

	for st.fifo.Size() > 0 && (st.fifo.Size() >= frameSize || flush) {
		n := min(frameSize, st.fifo.Size())

		f := st.converted
		f.SetNbSamples(n)
		f.SetChannelLayout(st.enc.ChannelLayout())
		f.SetSampleFormat(st.enc.SampleFormat())
		f.SetSampleRate(st.enc.SampleRate())
		if err := f.AllocBuffer(0); err != nil {
			return fmt.Errorf("failed to allocate audio frame: %w", err)
		}
		if _, err := st.fifo.Read(f); err != nil {
			f.Unref()
			return fmt.Errorf("failed to read samples: %w", err)
		}
		f.SetPts(st.nextPts)
		st.nextPts += int64(n)

		err := s.encode(st, f)
		f.Unref()
		if err != nil {
			return err
		}
	}
	return nil
}

// encode sends a frame, or nil to flush, and writes every packet produced.
func (s *libavSession) encode(st *libavStream, f *astiav.Frame) error {
	if err := st.enc.SendFrame(f); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	for {
		if err := st.enc.ReceivePacket(st.packet); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return fmt.Errorf("failed to encode: %w", err)
		}
		st.packet.SetStreamIndex(st.outStream.Index())
		st.packet.RescaleTs(st.enc.TimeBase(), st.outStream.TimeBase())
		err := s.output.WriteInterleavedFrame(st.packet)
		st.packet.Unref()
		if err != nil {
			return fmt.Errorf("failed to write packet: %w", err)
		}
	}
}

// Finish implements FrameSession.
func (s *libavSession) Finish() error {
	for _, st := range s.streams {
		if err := st.dec.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return fmt.Errorf("failed to flush decoder: %w", err)
		}
		if _, err := s.drainDecoder(st); err != nil {
			return err
		}
		if st.fifo != nil {
			if err := s.drainFifo(st, true); err != nil {
				return err
			}
		}
		if err := s.encode(st, nil); err != nil {
			return err
		}
	}
	if err := s.output.WriteTrailer(); err != nil {
		return fmt.Errorf("failed to write trailer: %w", err)
	}
	return nil
}

// Close implements FrameSession.
func (s *libavSession) Close() error {
	for _, st := range s.streams {
		st.free()
	}
	s.streams = nil

	var err error
	if s.pb != nil {
		err = s.pb.Close()
		s.pb = nil
	}
	if s.output != nil {
		s.output.Free()
		s.output = nil
	}
	if s.input != nil {
		s.input.CloseInput()
		s.input.Free()
		s.input = nil
	}
	if s.packet != nil {
		s.packet.Free()
		s.packet = nil
	}
	return err
}

func (st *libavStream) free() {
	if st.fifo != nil {
		st.fifo.Free()
	}
	if st.resampler != nil {
		st.resampler.Free()
	}
	if st.scaler != nil {
		st.scaler.Free()
	}
	if st.packet != nil {
		st.packet.Free()
	}
	if st.converted != nil {
		st.converted.Free()
	}
	if st.decoded != nil {
		st.decoded.Free()
	}
	if st.enc != nil {
		st.enc.Free()
	}
	if st.dec != nil {
		st.dec.Free()
	}
}
