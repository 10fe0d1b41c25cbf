package core

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/georeference/internal/logging"
	"github.com/signalsfoundry/georeference/model"
)

// ErrNoCartographic is returned by helpers that need a geodetic position for
// a point where none exists (the ellipsoid centre).
var ErrNoCartographic = errors.New("no cartographic position at ellipsoid centre")

// State is the lifecycle state of a Georeference.
type State int

const (
	// StateUninitialized means the transform chain has never been computed.
	StateUninitialized State = iota
	// StateReady means the transform chain reflects the current origin.
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "uninitialized"
}

// Handle identifies a registered object. The owner of the object hands out
// handles and decides whether one is still live.
type Handle struct {
	Index      uint32
	Generation uint32
}

// Georeferenced is implemented by objects that must re-project themselves
// when the transform chain changes.
type Georeferenced interface {
	IsBoundingVolumeReady() bool
	// BoundingVolumeCenter returns the ECEF centre of the object's bounding
	// volume, if it has one.
	BoundingVolumeCenter() (r3.Vec, bool)
	NotifyGeoreferenceUpdated()
}

// ObjectResolver maps handles back to live objects. Resolve reports false
// for handles whose object has been destroyed.
type ObjectResolver interface {
	Resolve(h Handle) (Georeferenced, bool)
}

// SunSky receives the origin after every transform chain update. surface is
// the engine-absolute position of the ellipsoid surface below the origin;
// hosts subtract their floating origin before placing anything there.
type SunSky interface {
	UpdateSun(surface r3.Vec, longitude, latitude float64)
}

// TransformChain holds the four mutually consistent transforms derived from
// the current origin. It is always replaced as a whole.
type TransformChain struct {
	GeoreferencedToEcef  Mat4
	EcefToGeoreferenced  Mat4
	EngineAbsoluteToEcef Mat4
	EcefToEngineAbsolute Mat4
}

func identityChain() TransformChain {
	return TransformChain{
		GeoreferencedToEcef:  IdentityMat4(),
		EcefToGeoreferenced:  IdentityMat4(),
		EngineAbsoluteToEcef: IdentityMat4(),
		EcefToEngineAbsolute: IdentityMat4(),
	}
}

// Georeference owns the georeference origin and the transform chain derived
// from it. It is not safe for concurrent use.
type Georeference struct {
	ellipsoid Ellipsoid
	origin    model.GeoreferenceOrigin
	chain     TransformChain
	state     State

	objects  []Handle
	resolver ObjectResolver

	insideSublevel bool
	notifying      bool

	sunSky  SunSky
	log     logging.Logger
	metrics MetricsRecorder
}

// GeoreferenceOption customises Georeference construction.
type GeoreferenceOption func(*Georeference)

// WithObjectResolver sets the resolver used to reach registered objects.
func WithObjectResolver(r ObjectResolver) GeoreferenceOption {
	return func(g *Georeference) {
		g.resolver = r
	}
}

// WithGeoreferenceLogger attaches a structured logger.
func WithGeoreferenceLogger(l logging.Logger) GeoreferenceOption {
	return func(g *Georeference) {
		if l != nil {
			g.log = l
		}
	}
}

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) GeoreferenceOption {
	return func(g *Georeference) {
		g.metrics = m
	}
}

// WithSunSky attaches a sun/sky hook invoked after each update.
func WithSunSky(s SunSky) GeoreferenceOption {
	return func(g *Georeference) {
		g.sunSky = s
	}
}

// NewGeoreference constructs an uninitialized Georeference with identity
// transforms. The chain is computed on the first UpdateGeoreference,
// SetOrigin or RegisterObject call.
func NewGeoreference(origin model.GeoreferenceOrigin, opts ...GeoreferenceOption) *Georeference {
	g := &Georeference{
		ellipsoid: WGS84,
		origin:    origin,
		chain:     identityChain(),
		state:     StateUninitialized,
		log:       logging.Noop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the lifecycle state.
func (g *Georeference) State() State { return g.state }

// Origin returns the current origin.
func (g *Georeference) Origin() model.GeoreferenceOrigin { return g.origin }

// OriginLLH returns the current origin coordinates.
func (g *Georeference) OriginLLH() LLH {
	return LLH{Longitude: g.origin.Longitude, Latitude: g.origin.Latitude, Height: g.origin.Height}
}

// Placement returns the origin placement mode.
func (g *Georeference) Placement() model.OriginPlacement { return g.origin.Placement }

// SetPlacement switches the origin placement mode and recomputes the chain.
// Like SetOrigin it is refused while a sub-level holds the origin.
func (g *Georeference) SetPlacement(p model.OriginPlacement) bool {
	if g.refuseExternalChange("placement change ignored", logging.String("placement", p.String())) {
		return false
	}
	g.origin.Placement = p
	g.UpdateGeoreference()
	return true
}

// SetOriginWithPlacement replaces placement and coordinates together with a
// single recompute. It is refused, leaving both unchanged, while a sub-level
// holds the origin.
func (g *Georeference) SetOriginWithPlacement(p model.OriginPlacement, llh LLH) bool {
	if g.refuseExternalChange("origin change ignored",
		logging.String("placement", p.String()),
		logging.Float64("longitude", llh.Longitude),
		logging.Float64("latitude", llh.Latitude),
	) {
		return false
	}
	g.origin = model.GeoreferenceOrigin{Placement: p, Longitude: llh.Longitude, Latitude: llh.Latitude, Height: llh.Height}
	g.UpdateGeoreference()
	return true
}

// refuseExternalChange reports whether a caller-initiated origin change must
// be dropped: a sub-level holds the origin or objects are being notified.
func (g *Georeference) refuseExternalChange(msg string, fields ...logging.Field) bool {
	switch {
	case g.insideSublevel:
		g.log.Debug(context.Background(), msg+" inside sub-level", fields...)
		return true
	case g.notifying:
		g.log.Warn(context.Background(), msg+" during notification", fields...)
		return true
	}
	return false
}

// Chain returns the current transform chain.
func (g *Georeference) Chain() TransformChain { return g.chain }

// InsideSublevel reports whether the sub-level selector currently holds the
// origin.
func (g *Georeference) InsideSublevel() bool { return g.insideSublevel }

func (g *Georeference) setInsideSublevel(inside bool) {
	g.insideSublevel = inside
	if g.metrics != nil {
		g.metrics.SetInsideSublevel(inside)
	}
}

// RegisteredObjects returns a copy of the registered handles in
// registration order.
func (g *Georeference) RegisteredObjects() []Handle {
	out := make([]Handle, len(g.objects))
	copy(out, g.objects)
	return out
}

// SetOrigin moves the origin to llh and recomputes the chain. It is ignored
// while a sub-level controls the origin or while registered objects are
// being notified; the return value reports whether it was applied.
func (g *Georeference) SetOrigin(llh LLH) bool {
	if g.refuseExternalChange("origin change ignored",
		logging.Float64("longitude", llh.Longitude),
		logging.Float64("latitude", llh.Latitude),
	) {
		return false
	}
	return g.setOrigin(llh)
}

// setOrigin is the unguarded path used by the sub-level selector.
func (g *Georeference) setOrigin(llh LLH) bool {
	if g.notifying {
		g.log.Warn(context.Background(), "origin change requested during notification; ignoring")
		return false
	}
	g.origin.Longitude = llh.Longitude
	g.origin.Latitude = llh.Latitude
	g.origin.Height = llh.Height
	g.UpdateGeoreference()
	return true
}

// SetOriginAtEngine resolves an engine-frame position to a geodetic
// coordinate and makes it the origin through SetOrigin.
func (g *Georeference) SetOriginAtEngine(pos r3.Vec, floatingOrigin IntVector) bool {
	llh, ok := g.TransformEngineToLongitudeLatitudeHeight(pos, floatingOrigin)
	if !ok {
		return false
	}
	return g.SetOrigin(llh)
}

// RegisterObject adds h to the notification list if it is not already
// present and runs an update pass so the object sees a consistent chain.
func (g *Georeference) RegisterObject(h Handle) bool {
	for _, existing := range g.objects {
		if existing == h {
			return false
		}
	}
	g.objects = append(g.objects, h)
	if g.metrics != nil {
		g.metrics.SetRegisteredObjects(len(g.objects))
	}
	g.UpdateGeoreference()
	return true
}

// UpdateGeoreference recomputes the transform chain from the current origin
// and notifies every live registered object in registration order.
func (g *Georeference) UpdateGeoreference() {
	ctx := context.Background()
	if g.notifying {
		g.log.Warn(ctx, "georeference update requested during notification; ignoring")
		return
	}

	g.chain = g.computeChain()
	g.state = StateReady
	if g.metrics != nil {
		g.metrics.ObserveOriginUpdate(g.origin.Placement)
	}

	g.notifying = true
	notified := 0
	for _, h := range g.RegisteredObjects() {
		obj, ok := g.resolve(h)
		if !ok {
			continue
		}
		obj.NotifyGeoreferenceUpdated()
		notified++
	}
	g.notifying = false

	g.log.Debug(ctx, "georeference updated",
		logging.String("placement", g.origin.Placement.String()),
		logging.Float64("longitude", g.origin.Longitude),
		logging.Float64("latitude", g.origin.Latitude),
		logging.Float64("height", g.origin.Height),
		logging.Int("notified", notified),
	)

	g.updateSunSky()
}

func (g *Georeference) resolve(h Handle) (Georeferenced, bool) {
	if g.resolver == nil {
		return nil, false
	}
	obj, ok := g.resolver.Resolve(h)
	if !ok || obj == nil {
		return nil, false
	}
	return obj, true
}

func (g *Georeference) computeChain() TransformChain {
	georeferencedToEcef := g.computeGeoreferencedToEcef()

	ecefToGeoreferenced, err := georeferencedToEcef.AffineInverse()
	if err != nil {
		g.log.Error(context.Background(), "georeferenced frame not invertible; falling back to identity",
			logging.Error(err),
		)
		return identityChain()
	}

	return TransformChain{
		GeoreferencedToEcef:  georeferencedToEcef,
		EcefToGeoreferenced:  ecefToGeoreferenced,
		EngineAbsoluteToEcef: georeferencedToEcef.Mul(ScaleToEcef()).Mul(EngineAxes()),
		EcefToEngineAbsolute: EngineAxes().Mul(ScaleToEngine()).Mul(ecefToGeoreferenced),
	}
}

func (g *Georeference) computeGeoreferencedToEcef() Mat4 {
	var center r3.Vec
	switch g.origin.Placement {
	case model.OriginPlacementTrueOrigin:
		return IdentityMat4()
	case model.OriginPlacementBoundingVolume:
		center = g.boundingVolumeCenter()
	case model.OriginPlacementCartographic:
		center = g.ellipsoid.CartographicToCartesian(CartographicFromDegrees(g.OriginLLH()))
	default:
		g.log.Warn(context.Background(), "unknown origin placement; using true origin",
			logging.String("placement", g.origin.Placement.String()),
		)
		return IdentityMat4()
	}

	enu, err := g.ellipsoid.EastNorthUpToFixedFrame(center)
	if err != nil {
		// Only the exact centre is degenerate, so the frame is ECEF itself.
		g.log.Warn(context.Background(), "georeference origin at ellipsoid centre; using axis-aligned frame",
			logging.String("placement", g.origin.Placement.String()),
		)
		m := IdentityMat4()
		m[0][3], m[1][3], m[2][3] = center.X, center.Y, center.Z
		return m
	}
	return enu
}

// boundingVolumeCenter averages the bounding-volume centres of live, ready
// objects. With no such objects it is the ellipsoid centre.
func (g *Georeference) boundingVolumeCenter() r3.Vec {
	var sum r3.Vec
	n := 0
	for _, h := range g.objects {
		obj, ok := g.resolve(h)
		if !ok || !obj.IsBoundingVolumeReady() {
			continue
		}
		c, ok := obj.BoundingVolumeCenter()
		if !ok {
			continue
		}
		sum = r3.Add(sum, c)
		n++
	}
	if n == 0 {
		return r3.Vec{}
	}
	return r3.Scale(1/float64(n), sum)
}

func (g *Georeference) updateSunSky() {
	if g.sunSky == nil {
		return
	}
	surface := g.ellipsoid.CartographicToCartesian(CartographicFromDegrees(LLH{
		Longitude: g.origin.Longitude,
		Latitude:  g.origin.Latitude,
	}))
	g.sunSky.UpdateSun(g.chain.EcefToEngineAbsolute.TransformPoint(surface), g.origin.Longitude, g.origin.Latitude)
}

// TransformLongitudeLatitudeHeightToEcef converts degrees/metres to ECEF.
func (g *Georeference) TransformLongitudeLatitudeHeightToEcef(llh LLH) r3.Vec {
	return g.ellipsoid.CartographicToCartesian(CartographicFromDegrees(llh))
}

// TransformEcefToLongitudeLatitudeHeight converts ECEF to degrees/metres.
// It reports false at the ellipsoid centre; callers pick their own fallback.
func (g *Georeference) TransformEcefToLongitudeLatitudeHeight(ecef r3.Vec) (LLH, bool) {
	c, ok := g.ellipsoid.CartesianToCartographic(ecef)
	if !ok {
		return LLH{}, false
	}
	return c.Degrees(), true
}

// TransformEcefToEngine converts ECEF to engine coordinates relative to the
// given floating origin.
func (g *Georeference) TransformEcefToEngine(ecef r3.Vec, floatingOrigin IntVector) r3.Vec {
	abs := g.chain.EcefToEngineAbsolute.TransformPoint(ecef)
	return r3.Sub(abs, floatingOrigin.Vec())
}

// TransformEngineToEcef converts engine coordinates relative to the given
// floating origin to ECEF.
func (g *Georeference) TransformEngineToEcef(pos r3.Vec, floatingOrigin IntVector) r3.Vec {
	abs := r3.Add(pos, floatingOrigin.Vec())
	return g.chain.EngineAbsoluteToEcef.TransformPoint(abs)
}

// TransformLongitudeLatitudeHeightToEngine converts degrees/metres to engine
// coordinates relative to the given floating origin.
func (g *Georeference) TransformLongitudeLatitudeHeightToEngine(llh LLH, floatingOrigin IntVector) r3.Vec {
	return g.TransformEcefToEngine(g.TransformLongitudeLatitudeHeightToEcef(llh), floatingOrigin)
}

// TransformEngineToLongitudeLatitudeHeight converts engine coordinates
// relative to the given floating origin to degrees/metres.
func (g *Georeference) TransformEngineToLongitudeLatitudeHeight(pos r3.Vec, floatingOrigin IntVector) (LLH, bool) {
	return g.TransformEcefToLongitudeLatitudeHeight(g.TransformEngineToEcef(pos, floatingOrigin))
}

// ComputeEastNorthUpToEcef returns the rotation from the east-north-up frame
// at ecef to ECEF axes.
func (g *Georeference) ComputeEastNorthUpToEcef(ecef r3.Vec) (*r3.Mat, error) {
	enu, err := g.ellipsoid.EastNorthUpToFixedFrame(ecef)
	if err != nil {
		return nil, err
	}
	return enu.Linear(), nil
}

// ComputeEastNorthUpToEngine returns the rotation from the east-north-up
// frame at an engine-frame position to engine axes.
func (g *Georeference) ComputeEastNorthUpToEngine(pos r3.Vec, floatingOrigin IntVector) (*r3.Mat, error) {
	enuToEcef, err := g.ComputeEastNorthUpToEcef(g.TransformEngineToEcef(pos, floatingOrigin))
	if err != nil {
		return nil, err
	}
	georeferenced := mul3(g.chain.EcefToGeoreferenced.Linear(), enuToEcef)
	axes := EngineAxes().Linear()
	return mul3(mul3(axes, georeferenced), axes), nil
}

// TransformRotationEngineToEnu re-expresses an engine-axes rotation at pos
// in east-north-up axes.
func (g *Georeference) TransformRotationEngineToEnu(q quat.Number, pos r3.Vec, floatingOrigin IntVector) (quat.Number, error) {
	enuToEngine, err := g.ComputeEastNorthUpToEngine(pos, floatingOrigin)
	if err != nil {
		return quat.Number{}, err
	}
	return quat.Mul(QuatFromMat(enuToEngine), q), nil
}

// TransformRotationEnuToEngine is the inverse of TransformRotationEngineToEnu.
func (g *Georeference) TransformRotationEnuToEngine(q quat.Number, pos r3.Vec, floatingOrigin IntVector) (quat.Number, error) {
	enuToEngine, err := g.ComputeEastNorthUpToEngine(pos, floatingOrigin)
	if err != nil {
		return quat.Number{}, err
	}
	inverse, err := invert3(enuToEngine)
	if err != nil {
		return quat.Number{}, err
	}
	return quat.Mul(QuatFromMat(inverse), q), nil
}

// TransformRotatorEngineToEnu is TransformRotationEngineToEnu for rotators.
func (g *Georeference) TransformRotatorEngineToEnu(r Rotator, pos r3.Vec, floatingOrigin IntVector) (Rotator, error) {
	q, err := g.TransformRotationEngineToEnu(r.Quat(), pos, floatingOrigin)
	if err != nil {
		return Rotator{}, err
	}
	return RotatorFromQuat(q), nil
}

// TransformRotatorEnuToEngine is TransformRotationEnuToEngine for rotators.
func (g *Georeference) TransformRotatorEnuToEngine(r Rotator, pos r3.Vec, floatingOrigin IntVector) (Rotator, error) {
	q, err := g.TransformRotationEnuToEngine(r.Quat(), pos, floatingOrigin)
	if err != nil {
		return Rotator{}, err
	}
	return RotatorFromQuat(q), nil
}
