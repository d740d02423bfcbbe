// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dnn

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Logical axis order used internally: batch, depth, then spatial dims from
// outermost (Y) to innermost (X).
const (
	axisBatch = iota
	axisDepth
	axisSpatial0
)

// axisOrder returns the sequence of logical axes for the given layout.
func axisOrder(layout DataLayout, spatialRank int) []int {
	order := make([]int, 0, spatialRank+2)
	switch layout {
	case BatchDepthYX:
		order = append(order, axisBatch, axisDepth)
		for i := 0; i < spatialRank; i++ {
			order = append(order, axisSpatial0+i)
		}
	case BatchYXDepth:
		order = append(order, axisBatch)
		for i := 0; i < spatialRank; i++ {
			order = append(order, axisSpatial0+i)
		}
		order = append(order, axisDepth)
	default:
		exceptions.Panicf("dnn: unsupported data layout %s", layout)
	}
	return order
}

// BatchDescriptor describes the shape of the input or output of a batched
// DNN operation: batch count, feature map (depth) count, spatial extents and
// the layout they are stored in. It is a logical, immutable-once-built
// description; it never outlives the call that uses it.
//
// Spatial dimensions are kept from outermost (Y) to innermost (X); the 2D
// case is then (height, width).
type BatchDescriptor struct {
	count       int64
	featureMaps int64
	spatial     []int64
	layout      DataLayout
	valueMax    float64
}

// NewBatchDescriptor creates a BatchDescriptor with the given number of
// spatial dimensions, all extents zeroed and the BatchDepthYX layout.
func NewBatchDescriptor(spatialRank int) *BatchDescriptor {
	return &BatchDescriptor{spatial: make([]int64, spatialRank)}
}

// SetCount sets the batch count.
func (d *BatchDescriptor) SetCount(count int64) *BatchDescriptor {
	d.count = count
	return d
}

// SetFeatureMapCount sets the depth (number of feature maps).
func (d *BatchDescriptor) SetFeatureMapCount(n int64) *BatchDescriptor {
	d.featureMaps = n
	return d
}

// SetHeight sets the outermost spatial extent (2D case).
func (d *BatchDescriptor) SetHeight(h int64) *BatchDescriptor {
	d.spatial[0] = h
	return d
}

// SetWidth sets the innermost spatial extent (2D case).
func (d *BatchDescriptor) SetWidth(w int64) *BatchDescriptor {
	d.spatial[len(d.spatial)-1] = w
	return d
}

// SetSpatialDim sets the i-th spatial extent, outermost first.
func (d *BatchDescriptor) SetSpatialDim(i int, v int64) *BatchDescriptor {
	d.spatial[i] = v
	return d
}

// SetLayout sets the data layout.
func (d *BatchDescriptor) SetLayout(layout DataLayout) *BatchDescriptor {
	d.layout = layout
	return d
}

// SetValueMax sets the maximum value hint, used as the ceiling of the ReluX
// activation.
func (d *BatchDescriptor) SetValueMax(v float64) *BatchDescriptor {
	d.valueMax = v
	return d
}

func (d *BatchDescriptor) Count() int64           { return d.count }
func (d *BatchDescriptor) FeatureMapCount() int64 { return d.featureMaps }
func (d *BatchDescriptor) Height() int64          { return d.spatial[0] }
func (d *BatchDescriptor) Width() int64           { return d.spatial[len(d.spatial)-1] }
func (d *BatchDescriptor) Layout() DataLayout     { return d.layout }
func (d *BatchDescriptor) ValueMax() float64      { return d.valueMax }

// NDims returns the number of spatial dimensions.
func (d *BatchDescriptor) NDims() int { return len(d.spatial) }

// SpatialDims returns a copy of the spatial extents, outermost first.
func (d *BatchDescriptor) SpatialDims() []int64 { return slices.Clone(d.spatial) }

// NodesPerFeatureMap returns the number of elements in one feature map.
func (d *BatchDescriptor) NodesPerFeatureMap() int64 {
	n := int64(1)
	for _, s := range d.spatial {
		n *= s
	}
	return n
}

// NodesAcrossFeatureMaps returns the number of elements in one batch sample.
func (d *BatchDescriptor) NodesAcrossFeatureMaps() int64 {
	return d.featureMaps * d.NodesPerFeatureMap()
}

// ElementCount returns the total number of elements described.
func (d *BatchDescriptor) ElementCount() int64 {
	return d.count * d.NodesAcrossFeatureMaps()
}

// Clone returns a deep copy of the descriptor.
func (d *BatchDescriptor) Clone() *BatchDescriptor {
	d2 := *d
	d2.spatial = slices.Clone(d.spatial)
	return &d2
}

// dimForAxis returns the extent of the given logical axis.
func (d *BatchDescriptor) dimForAxis(axis int) int64 {
	switch axis {
	case axisBatch:
		return d.count
	case axisDepth:
		return d.featureMaps
	default:
		return d.spatial[axis-axisSpatial0]
	}
}

// FullDims returns all dimensions, including batch and depth, ordered
// according to the given layout.
func (d *BatchDescriptor) FullDims(layout DataLayout) []int64 {
	order := axisOrder(layout, len(d.spatial))
	dims := make([]int64, len(order))
	for i, axis := range order {
		dims[i] = d.dimForAxis(axis)
	}
	return dims
}

// FullStrides returns dense element strides for the descriptor's physical
// layout, reported in the dimension order of the given layout.
func (d *BatchDescriptor) FullStrides(layout DataLayout) []int64 {
	// Dense packing follows the descriptor's own layout.
	ownOrder := axisOrder(d.layout, len(d.spatial))
	strideByAxis := make([]int64, len(ownOrder))
	stride := int64(1)
	for i := len(ownOrder) - 1; i >= 0; i-- {
		strideByAxis[ownOrder[i]] = stride
		stride *= d.dimForAxis(ownOrder[i])
	}
	reqOrder := axisOrder(layout, len(d.spatial))
	strides := make([]int64, len(reqOrder))
	for i, axis := range reqOrder {
		strides[i] = strideByAxis[axis]
	}
	return strides
}

// String implements fmt.Stringer.
func (d *BatchDescriptor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "BatchDescriptor{count=%d, featureMaps=%d, spatial=%v, layout=%s}",
		d.count, d.featureMaps, d.spatial, d.layout)
	return b.String()
}

// DepthConcatenateOutputDescriptor returns the descriptor of the output of a
// depth concatenation of the given inputs: same batch, spatial extents and
// layout as the first input, with the sum of all inputs' feature map counts.
func DepthConcatenateOutputDescriptor(inputs []BatchDescriptor) *BatchDescriptor {
	if len(inputs) == 0 {
		exceptions.Panicf("dnn: DepthConcatenateOutputDescriptor with no inputs")
	}
	out := inputs[0].Clone()
	out.featureMaps = 0
	for i := range inputs {
		out.featureMaps += inputs[i].featureMaps
	}
	return out
}

// FilterDescriptor describes a convolution filter: output and input feature
// map counts plus the filter's spatial extents, outermost (Y) first.
type FilterDescriptor struct {
	outputFeatureMaps int64
	inputFeatureMaps  int64
	spatial           []int64
	layout            FilterLayout
}

// NewFilterDescriptor creates a FilterDescriptor with the given number of
// spatial dimensions and the OutputInputYX layout.
func NewFilterDescriptor(spatialRank int) *FilterDescriptor {
	return &FilterDescriptor{spatial: make([]int64, spatialRank)}
}

// SetOutputFeatureMapCount sets the number of output feature maps.
func (d *FilterDescriptor) SetOutputFeatureMapCount(n int64) *FilterDescriptor {
	d.outputFeatureMaps = n
	return d
}

// SetInputFeatureMapCount sets the number of input feature maps.
func (d *FilterDescriptor) SetInputFeatureMapCount(n int64) *FilterDescriptor {
	d.inputFeatureMaps = n
	return d
}

// SetInputFilterHeight sets the outermost filter extent (2D case).
func (d *FilterDescriptor) SetInputFilterHeight(h int64) *FilterDescriptor {
	d.spatial[0] = h
	return d
}

// SetInputFilterWidth sets the innermost filter extent (2D case).
func (d *FilterDescriptor) SetInputFilterWidth(w int64) *FilterDescriptor {
	d.spatial[len(d.spatial)-1] = w
	return d
}

// SetLayout sets the filter layout.
func (d *FilterDescriptor) SetLayout(layout FilterLayout) *FilterDescriptor {
	d.layout = layout
	return d
}

func (d *FilterDescriptor) OutputFeatureMapCount() int64 { return d.outputFeatureMaps }
func (d *FilterDescriptor) InputFeatureMapCount() int64  { return d.inputFeatureMaps }
func (d *FilterDescriptor) Layout() FilterLayout         { return d.layout }

// NDims returns the number of spatial dimensions.
func (d *FilterDescriptor) NDims() int { return len(d.spatial) }

// InputFilterDims returns a copy of the filter's spatial extents.
func (d *FilterDescriptor) InputFilterDims() []int64 { return slices.Clone(d.spatial) }

// ConvolutionDescriptor describes the parameters of a convolution: the
// zero-padding and filter stride in each spatial dimension.
type ConvolutionDescriptor struct {
	padding []int64
	strides []int64
}

// NewConvolutionDescriptor creates a ConvolutionDescriptor with the given
// number of spatial dimensions, zero padding and stride one everywhere.
func NewConvolutionDescriptor(spatialRank int) *ConvolutionDescriptor {
	d := &ConvolutionDescriptor{
		padding: make([]int64, spatialRank),
		strides: make([]int64, spatialRank),
	}
	for i := range d.strides {
		d.strides[i] = 1
	}
	return d
}

// SetZeroPaddingHeight sets the padding of the outermost spatial dim.
func (d *ConvolutionDescriptor) SetZeroPaddingHeight(p int64) *ConvolutionDescriptor {
	d.padding[0] = p
	return d
}

// SetZeroPaddingWidth sets the padding of the innermost spatial dim.
func (d *ConvolutionDescriptor) SetZeroPaddingWidth(p int64) *ConvolutionDescriptor {
	d.padding[len(d.padding)-1] = p
	return d
}

// SetVerticalFilterStride sets the stride along the outermost spatial dim.
func (d *ConvolutionDescriptor) SetVerticalFilterStride(s int64) *ConvolutionDescriptor {
	d.strides[0] = s
	return d
}

// SetHorizontalFilterStride sets the stride along the innermost spatial dim.
func (d *ConvolutionDescriptor) SetHorizontalFilterStride(s int64) *ConvolutionDescriptor {
	d.strides[len(d.strides)-1] = s
	return d
}

// NDims returns the number of spatial dimensions.
func (d *ConvolutionDescriptor) NDims() int { return len(d.strides) }

// Padding returns a copy of the per-dimension zero padding.
func (d *ConvolutionDescriptor) Padding() []int64 { return slices.Clone(d.padding) }

// Strides returns a copy of the per-dimension filter strides.
func (d *ConvolutionDescriptor) Strides() []int64 { return slices.Clone(d.strides) }

// PoolingDescriptor describes a pooling operation: the pooling mode, window
// extents, padding and strides in each spatial dimension.
type PoolingDescriptor struct {
	mode    PoolingMode
	window  []int64
	padding []int64
	strides []int64
}

// NewPoolingDescriptor creates a PoolingDescriptor with the given number of
// spatial dimensions, maximum pooling, zero padding and stride one.
func NewPoolingDescriptor(spatialRank int) *PoolingDescriptor {
	d := &PoolingDescriptor{
		window:  make([]int64, spatialRank),
		padding: make([]int64, spatialRank),
		strides: make([]int64, spatialRank),
	}
	for i := range d.strides {
		d.strides[i] = 1
	}
	return d
}

// SetPoolingMode sets the pooling function.
func (d *PoolingDescriptor) SetPoolingMode(mode PoolingMode) *PoolingDescriptor {
	d.mode = mode
	return d
}

// SetWindowHeight sets the window extent of the outermost spatial dim.
func (d *PoolingDescriptor) SetWindowHeight(h int64) *PoolingDescriptor {
	d.window[0] = h
	return d
}

// SetWindowWidth sets the window extent of the innermost spatial dim.
func (d *PoolingDescriptor) SetWindowWidth(w int64) *PoolingDescriptor {
	d.window[len(d.window)-1] = w
	return d
}

// SetVerticalPadding sets the padding of the outermost spatial dim.
func (d *PoolingDescriptor) SetVerticalPadding(p int64) *PoolingDescriptor {
	d.padding[0] = p
	return d
}

// SetHorizontalPadding sets the padding of the innermost spatial dim.
func (d *PoolingDescriptor) SetHorizontalPadding(p int64) *PoolingDescriptor {
	d.padding[len(d.padding)-1] = p
	return d
}

// SetVerticalStride sets the stride along the outermost spatial dim.
func (d *PoolingDescriptor) SetVerticalStride(s int64) *PoolingDescriptor {
	d.strides[0] = s
	return d
}

// SetHorizontalStride sets the stride along the innermost spatial dim.
func (d *PoolingDescriptor) SetHorizontalStride(s int64) *PoolingDescriptor {
	d.strides[len(d.strides)-1] = s
	return d
}

func (d *PoolingDescriptor) Mode() PoolingMode { return d.mode }

// NDims returns the number of spatial dimensions.
func (d *PoolingDescriptor) NDims() int { return len(d.window) }

// Window returns a copy of the pooling window extents.
func (d *PoolingDescriptor) Window() []int64 { return slices.Clone(d.window) }

// Padding returns a copy of the per-dimension padding.
func (d *PoolingDescriptor) Padding() []int64 { return slices.Clone(d.padding) }

// Strides returns a copy of the per-dimension strides.
func (d *PoolingDescriptor) Strides() []int64 { return slices.Clone(d.strides) }

// NormalizeDescriptor describes a local response normalization. No backend
// in this module currently implements normalization; the type exists so the
// operation set is complete.
type NormalizeDescriptor struct {
	Bias         float64
	Range        int
	Alpha        float64
	Beta         float64
	WrapAround   bool
	SegmentSize  int
	OverFeatures bool
}
